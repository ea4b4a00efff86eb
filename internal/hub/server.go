package hub

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/bastion-sh/bastion/internal/store"
)

// routes builds the agent-plane mux: the websocket endpoint, enrollment,
// and offline-run ingest. This is the only HTTP surface the hub owns.
func (h *Hub) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent/ws", h.handleAgentWS)
	mux.HandleFunc("POST /agent/enroll", h.handleEnroll)
	mux.HandleFunc("POST /agent/runs/ingest", h.handleIngest)
	return mux
}

// HashAgentKey derives the stored form of an agent key. Only the hash
// ever reaches the database; the plaintext is handed to the agent once
// at enroll time.
func HashAgentKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authenticateAgent resolves the Bearer <agent_id>:<agent_key> header
// against the enrolled agent's key hash.
func (h *Hub) authenticateAgent(r *http.Request) (*store.Agent, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	id, key, ok := strings.Cut(raw, ":")
	if !ok || id == "" || key == "" {
		return nil, errors.New("malformed agent credential")
	}
	agent, err := h.st.GetAgent(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("unknown agent")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(agent.KeyHash), []byte(HashAgentKey(key))) != 1 {
		return nil, errors.New("agent key mismatch")
	}
	return agent, nil
}

type enrollRequest struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

type enrollResponse struct {
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
}

// handleEnroll mints a new agent identity for a caller presenting the
// enroll token. The key is generated here, returned once, and stored
// only as a hash.
func (h *Hub) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if h.cfg.EnrollToken == "" {
		http.Error(w, "enrollment disabled", http.StatusForbidden)
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed enroll request", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(h.cfg.EnrollToken)) != 1 {
		h.logger.Warn("enroll rejected, bad token", "remote", r.RemoteAddr)
		http.Error(w, "invalid enroll token", http.StatusForbidden)
		return
	}

	key, err := newAgentKey()
	if err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	agent := &store.Agent{
		ID:        uuid.NewString(),
		Name:      req.Name,
		KeyHash:   HashAgentKey(key),
		CreatedAt: time.Now().Unix(),
	}
	if err := h.st.CreateAgent(agent); err != nil {
		h.logger.Error("create agent", "error", err)
		http.Error(w, "enroll failed", http.StatusInternalServerError)
		return
	}
	h.logger.Info("agent enrolled", "agent_id", agent.ID, "name", agent.Name)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(enrollResponse{AgentID: agent.ID, AgentKey: key})
}

// newAgentKey draws a 256-bit random key, hex-encoded for transport.
func newAgentKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
