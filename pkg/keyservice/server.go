package keyservice

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/log"
)

// Response is the body of error replies.
type Response struct {
	Error string `json:"error"`
}

var (
	ErrForbidden = errors.New("missing or invalid authorization token")
	ErrBadPath   = errors.New("unknown endpoint")
)

type registration struct {
	info  *authentication.KeyInfo
	token string
}

// Server is an in-memory key service. Devices register self-signed KeyInfo tokens; peers fetch
// them by hardware device ID.
//
// A device that already has a key may only register a different one if the new KeyInfo names the
// registered key as its previous key.
type Server struct {
	authToken string

	lock    sync.Mutex
	devices map[string]*registration
}

// NewServer creates a Server. If authToken is not empty, registration requests must carry it as a
// bearer token. Lookups are not authenticated.
func NewServer(authToken string) *Server {
	return &Server{
		authToken: authToken,
		devices:   make(map[string]*registration),
	}
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	reply := Response{Error: http.StatusText(code)}
	if err != nil {
		reply.Error = err.Error()
	}
	jsonBytes, err := json.Marshal(&reply)
	if err != nil {
		log.Error("Error serializing reply %+v: %s", &reply, err)
		code = http.StatusInternalServerError
		jsonBytes = []byte("{\"error\": \"internal server error\"}")
	}
	log.Warning("Returning error %s: %s", http.StatusText(code), reply.Error)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(jsonBytes, '\n'))
}

func writeKeyInfo(w http.ResponseWriter, code int, token string) {
	jsonBytes, err := json.Marshal(&keyInfoMessage{KeyInfo: token})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(jsonBytes, '\n'))
}

func (s *Server) authorized(req *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	presented, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(presented), []byte(s.authToken)) == 1
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Info("Received %s request for %s", req.Method, req.URL.Path)

	path := strings.TrimPrefix(req.URL.Path, "/")
	switch {
	case path == Endpoint && req.Method == http.MethodPost:
		s.handleRegister(w, req)
	case strings.HasPrefix(path, Endpoint+"/") && req.Method == http.MethodGet:
		hwDeviceID, err := url.PathUnescape(strings.TrimPrefix(path, Endpoint+"/"))
		if err != nil || hwDeviceID == "" || strings.Contains(hwDeviceID, "/") {
			writeJSONError(w, http.StatusNotFound, ErrBadPath)
			return
		}
		s.handleLookup(w, hwDeviceID)
	case path == Endpoint || strings.HasPrefix(path, Endpoint+"/"):
		writeJSONError(w, http.StatusMethodNotAllowed, nil)
	default:
		writeJSONError(w, http.StatusNotFound, ErrBadPath)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, req *http.Request) {
	if !s.authorized(req) {
		writeJSONError(w, http.StatusForbidden, ErrForbidden)
		return
	}
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxResponseLength))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("could not read request body: %s", err))
		return
	}
	var params keyInfoMessage
	if err := json.Unmarshal(body, &params); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("could not parse JSON body: %s", err))
		return
	}
	info, err := authentication.VerifyKeyInfo(params.KeyInfo)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if info.HardwareDeviceID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("%w: missing hwDeviceId", authentication.ErrInvalidKeyInfo))
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	code := http.StatusCreated
	if current, ok := s.devices[info.HardwareDeviceID]; ok {
		switch {
		case current.info.PublicKey == info.PublicKey:
			code = http.StatusOK
		case info.PreviousPublicKeyID != "" && info.PreviousPublicKeyID == current.info.PublicKeyID:
			log.Info("Rotating key for %s from %s to %s", info.HardwareDeviceID, current.info.PublicKeyID, info.PublicKeyID)
		default:
			writeJSONError(w, http.StatusConflict, ErrAlreadyRegistered)
			return
		}
	}
	s.devices[info.HardwareDeviceID] = &registration{info: info, token: params.KeyInfo}
	writeKeyInfo(w, code, params.KeyInfo)
}

func (s *Server) handleLookup(w http.ResponseWriter, hwDeviceID string) {
	s.lock.Lock()
	current, ok := s.devices[hwDeviceID]
	s.lock.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeKeyInfo(w, http.StatusOK, current.token)
}

// Devices returns the number of registered devices.
func (s *Server) Devices() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.devices)
}
