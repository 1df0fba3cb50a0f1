package monitor

import (
	"net/http"
	"runtime"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

// channelView describes a configured channel and the nodes attached to it.
type channelView struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Codec     string   `json:"codec"`
	Broker    string   `json:"broker,omitempty"`
	Consumers []string `json:"consumers"`
	Producers []string `json:"producers"`
}

func (m *Monitor) channelView(def shigoto.ChannelDef) channelView {
	v := channelView{
		Name:      def.Name,
		Type:      def.Type,
		Codec:     def.Codec,
		Broker:    def.Broker,
		Consumers: []string{},
		Producers: []string{},
	}
	if v.Codec == "" {
		v.Codec = "task"
	}
	for _, w := range m.topo.Workers {
		if w.Input == def.Name {
			v.Consumers = append(v.Consumers, w.Name)
		}
		for _, out := range w.Outputs {
			if out == def.Name {
				v.Producers = append(v.Producers, w.Name)
			}
		}
	}
	for _, t := range m.topo.Taskers {
		if t.Input == def.Name {
			v.Consumers = append(v.Consumers, t.Name)
		}
		if t.Output == def.Name {
			v.Producers = append(v.Producers, t.Name)
		}
	}
	return v
}

// handleListChannels returns every configured channel.
func (m *Monitor) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels := make([]channelView, 0, len(m.topo.Channels))
	for _, def := range m.topo.Channels {
		channels = append(channels, m.channelView(def))
	}
	writeJSON(w, http.StatusOK, response{Data: channels})
}

// handleGetChannel returns a single configured channel.
func (m *Monitor) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, def := range m.topo.Channels {
		if def.Name == name {
			writeJSON(w, http.StatusOK, response{Data: m.channelView(def)})
			return
		}
	}
	writeError(w, http.StatusNotFound, "channel not found", "NOT_FOUND")
}

// handleStats returns topology counts, node totals and runtime figures.
func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"channels":   len(m.topo.Channels),
		"brokers":    len(m.topo.Brokers),
		"workers":    len(m.topo.Workers),
		"taskers":    len(m.topo.Taskers),
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(m.startedAt).Truncate(time.Second).String(),
	}
	if m.rc != nil {
		if status, err := shigoto.ReadNodeStatus(r.Context(), m.rc); err == nil {
			var alive, busy int
			var processed, failed int64
			for _, st := range status {
				alive += st.Alive
				busy += st.Busy
				processed += st.Processed
				failed += st.Failed
			}
			stats["nodes_reporting"] = len(status)
			stats["alive"] = alive
			stats["busy"] = busy
			stats["processed_total"] = processed
			stats["failed_total"] = failed
		}
	}
	writeJSON(w, http.StatusOK, response{Data: stats})
}
