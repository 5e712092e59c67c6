package api

import "net/http"

// backendsResponse is the JSON response for GET /v1/backends.
type backendsResponse struct {
	Backends []backendInfo `json:"backends"`
}

type backendInfo struct {
	Isolation         string   `json:"isolation"`
	Name              string   `json:"name"`
	SupportedRuntimes []string `json:"supported_runtimes"`
	MaxHosts          int      `json:"max_hosts"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.List()
	resp := backendsResponse{Backends: make([]backendInfo, 0, len(infos))}
	for _, info := range infos {
		resp.Backends = append(resp.Backends, backendInfo{
			Isolation:         info.Name,
			Name:              info.Capabilities.Name,
			SupportedRuntimes: info.Capabilities.SupportedRuntimes,
			MaxHosts:          info.Capabilities.MaxHosts,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}
