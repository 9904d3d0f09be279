package main

import (
	"net/http"
	"strings"

	"github.com/stv0g/pion-mesh/pkg/config"
)

func basicAuth(cfg *config.Relay, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		valid := true
		if cfg.APIPassword != "" || cfg.APIToken != "" {
			valid = false

			if username, password, ok := r.BasicAuth(); ok && cfg.APIPassword != "" {
				valid = username == cfg.APIUsername && password == cfg.APIPassword
			} else if authHeader := r.Header.Get("Authorization"); authHeader != "" && cfg.APIToken != "" {
				tokens := strings.SplitN(authHeader, " ", 2)
				if len(tokens) == 2 && tokens[0] == "Bearer" {
					valid = tokens[1] == cfg.APIToken
				}
			}
		}

		if valid {
			next.ServeHTTP(w, r)
		} else {
			w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		}
	})
}
