package api

import (
	"net/http"

	"github.com/seantiz/stagehand/internal/lifecycle"
)

type parameterResponse struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Bundled    bool   `json:"bundled"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default"`
}

type taskTypeResponse struct {
	Name       string              `json:"name"`
	Parameters []parameterResponse `json:"parameters"`
	Stages     []string            `json:"stages"`
}

func (s *Server) handleListTaskTypes(w http.ResponseWriter, _ *http.Request) {
	types := s.engine.Registry().List()
	out := make([]taskTypeResponse, 0, len(types))
	for _, tt := range types {
		resp := taskTypeResponse{Name: tt.Name, Stages: []string{}}
		for _, p := range tt.Parameters.Parameters() {
			resp.Parameters = append(resp.Parameters, parameterResponse{
				Name:       p.Name,
				Kind:       p.Kind.String(),
				Bundled:    p.Bundled,
				Default:    p.Default,
				HasDefault: p.HasDefault,
			})
		}
		if resp.Parameters == nil {
			resp.Parameters = []parameterResponse{}
		}
		if tt.PreExecute != nil {
			resp.Stages = append(resp.Stages, string(lifecycle.StagePreExecute))
		}
		resp.Stages = append(resp.Stages, string(lifecycle.StageExecute))
		if tt.PostExecute != nil {
			resp.Stages = append(resp.Stages, string(lifecycle.StagePostExecute))
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}
