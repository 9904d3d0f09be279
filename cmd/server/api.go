package main

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/stv0g/pion-mesh/pkg"
)

type apiResponse struct {
	Sessions []pkg.Session `json:"sessions"`
}

func (s *Server) apiHandle(w http.ResponseWriter, r *http.Request) {
	resp := &apiResponse{
		Sessions: s.Sessions(),
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.Errorf("Failed to encode API response: %s", err)
	}
}

// Sessions describes all open rooms ordered by name.
func (s *Server) Sessions() []pkg.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := []pkg.Session{}
	for name, sess := range s.sessions {
		ss = append(ss, pkg.Session{
			Name:        name,
			Created:     sess.Created,
			Connections: sess.Describe(),
		})
	}

	sort.Slice(ss, func(i, j int) bool {
		return ss[i].Name < ss[j].Name
	})

	return ss
}
