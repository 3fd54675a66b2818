// Package xuitest runs an in-process fake of the 3x-ui management API for
// tests.
package xuitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	Username  = "admin"
	Password  = "secret"
	InboundID = 3
	Port      = 443

	DefaultStream = `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.example.com"],"shortIds":["ab12"],"settings":{"publicKey":"PUBKEY","fingerprint":"firefox"}}}`
)

type Client struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	Reset      int    `json:"reset"`
}

// Server is a fake panel with a single managed inbound.
type Server struct {
	URL string

	mu      sync.Mutex
	clients []Client
	stream  string
	down    bool
	deletes int
	logins  int
}

func NewServer(t testing.TB, clients ...Client) *Server {
	t.Helper()
	s := &Server{clients: clients, stream: DefaultStream}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	s.URL = srv.URL + "/panel-root/"
	return s
}

func (s *Server) SetStream(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
}

// SetDown makes every request fail with 502.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *Server) Clients() map[string]Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Client, len(s.clients))
	for _, c := range s.clients {
		out[c.Email] = c
	}
	return out
}

func (s *Server) PutClient(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.clients {
		if s.clients[i].Email == c.Email {
			s.clients[i] = c
			return
		}
	}
	s.clients = append(s.clients, c)
}

func (s *Server) Deletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) reply(w http.ResponseWriter, success bool, obj any) {
	raw, _ := json.Marshal(obj)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "msg": "", "obj": json.RawMessage(raw)})
}

func (s *Server) inbound() map[string]any {
	settings, _ := json.Marshal(map[string]any{"clients": s.clients, "decryption": "none"})
	return map[string]any{
		"id":             InboundID,
		"remark":         "shop",
		"enable":         true,
		"port":           Port,
		"protocol":       "vless",
		"settings":       string(settings),
		"streamSettings": s.stream,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/panel-root")
	if path == "/login" {
		s.logins++
		_ = r.ParseForm()
		if r.PostForm.Get("username") != Username || r.PostForm.Get("password") != Password {
			s.reply(w, false, nil)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "ok", Path: "/"})
		s.reply(w, true, nil)
		return
	}
	if c, err := r.Cookie("3x-ui"); err != nil || c.Value != "ok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case path == "/panel/api/inbounds/list":
		s.reply(w, true, []any{map[string]any{"id": 99, "port": 1}, s.inbound()})
	case path == "/panel/api/inbounds/get/"+strconv.Itoa(InboundID):
		s.reply(w, true, s.inbound())
	case path == "/panel/api/inbounds/addClient":
		s.clients = append(s.clients, decodeClient(r))
		s.reply(w, true, nil)
	case strings.HasPrefix(path, "/panel/api/inbounds/updateClient/"):
		id := strings.TrimPrefix(path, "/panel/api/inbounds/updateClient/")
		client := decodeClient(r)
		for i := range s.clients {
			if s.clients[i].ID == id {
				s.clients[i] = client
			}
		}
		s.reply(w, true, nil)
	case strings.HasPrefix(path, "/panel/api/inbounds/"+strconv.Itoa(InboundID)+"/delClient/"):
		id := path[strings.LastIndex(path, "/")+1:]
		kept := s.clients[:0]
		for _, c := range s.clients {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		s.clients = kept
		s.deletes++
		s.reply(w, true, nil)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func decodeClient(r *http.Request) Client {
	var body struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	var settings struct {
		Clients []Client `json:"clients"`
	}
	_ = json.Unmarshal([]byte(body.Settings), &settings)
	if len(settings.Clients) == 0 {
		return Client{}
	}
	return settings.Clients[0]
}
