package monitor

import (
	"net/http"
	"sort"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

// nodeView is the JSON form of a node heartbeat.
type nodeView struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind,omitempty"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode"`
	Size          int       `json:"size"`
	Alive         int       `json:"alive"`
	Busy          int       `json:"busy"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// kindOf reports whether name is a configured worker or tasker.
func (m *Monitor) kindOf(name string) string {
	for _, w := range m.topo.Workers {
		if w.Name == name {
			return "worker"
		}
	}
	for _, t := range m.topo.Taskers {
		if t.Name == name {
			return "tasker"
		}
	}
	return ""
}

func (m *Monitor) readNodes(w http.ResponseWriter, r *http.Request) ([]nodeView, bool) {
	if m.rc == nil {
		writeError(w, http.StatusServiceUnavailable, "heartbeats are disabled", "UNAVAILABLE")
		return nil, false
	}
	status, err := shigoto.ReadNodeStatus(r.Context(), m.rc)
	if err != nil {
		m.logger.Error("reading node status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read node status", "INTERNAL")
		return nil, false
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })

	nodes := make([]nodeView, 0, len(status))
	for _, st := range status {
		nodes = append(nodes, nodeView{
			Name:          st.Name,
			Kind:          m.kindOf(st.Name),
			Status:        st.Status,
			Mode:          st.Mode,
			Size:          st.Size,
			Alive:         st.Alive,
			Busy:          st.Busy,
			Processed:     st.Processed,
			Failed:        st.Failed,
			LastHeartbeat: st.LastHeartbeat,
		})
	}
	return nodes, true
}

// handleListNodes returns the last heartbeat of every live node.
func (m *Monitor) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, ok := m.readNodes(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, response{Data: nodes})
}

// handleGetNode returns the heartbeat of a single node.
func (m *Monitor) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodes, ok := m.readNodes(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	for _, n := range nodes {
		if n.Name == name {
			writeJSON(w, http.StatusOK, response{Data: n})
			return
		}
	}
	writeError(w, http.StatusNotFound, "node not found", "NOT_FOUND")
}
