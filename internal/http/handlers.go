package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dimapp/echolink/push"
	"github.com/dimapp/echolink/registry"
	"github.com/dimapp/echolink/service"
)

// SnapshotSource yields the current device registry generation.
type SnapshotSource interface {
	Load() *registry.Snapshot
}

// StatusSource yields the service status.
type StatusSource interface {
	Status() service.Status
}

// PushController stops the push channel on request.
type PushController interface {
	StopPush()
	PushStatus() push.Status
}

// DeviceInfo is one device in the listing response.
type DeviceInfo struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Family string `json:"family"`
	Type   string `json:"type"`
	Online bool   `json:"online"`
	Icon   string `json:"icon"`
}

// DevicesHandler serves the current registry snapshot.
func DevicesHandler(src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		snap := src.Load()
		out := struct {
			Devices    []DeviceInfo `json:"devices"`
			Count      int          `json:"count"`
			Generation uint64       `json:"generation"`
			LoadedAt   time.Time    `json:"loadedAt,omitempty"`
		}{Generation: snap.Generation, LoadedAt: snap.LoadedAt}
		out.Devices = make([]DeviceInfo, 0, snap.Len())
		for _, d := range snap.Devices() {
			out.Devices = append(out.Devices, DeviceInfo{
				Serial: d.Serial,
				Name:   d.Name,
				Family: d.Family,
				Type:   d.Type,
				Online: d.Online,
				Icon:   d.Icon(),
			})
		}
		out.Count = len(out.Devices)
		writeJSON(w, http.StatusOK, out)
	}
}

// StatusHandler serves push, credential and health state. It answers 503
// while the session needs a new login.
func StatusHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		st := src.Status()
		code := http.StatusOK
		if st.LoginURL != "" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	}
}

// PushStopHandler tears the push channel down, the way a user disconnects
// the account from the host UI, and answers with the resulting push status.
func PushStopHandler(src PushController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		src.StopPush()
		writeJSON(w, http.StatusOK, src.PushStatus())
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	methods := method + ", OPTIONS"
	writeCORS(w, methods)
	switch r.Method {
	case method:
		return true
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", methods)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
