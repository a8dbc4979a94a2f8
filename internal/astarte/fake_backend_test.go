package astarte

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves the subset of the backend APIs the client uses.
type fakeBackend struct {
	mu         sync.Mutex
	interfaces map[string]map[int]json.RawMessage
	devices    []string
	healthy    map[string]bool
	authHeader []string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	b := &fakeBackend{
		interfaces: make(map[string]map[int]json.RawMessage),
		healthy:    map[string]bool{AppEngine: true, RealmManagement: true, Pairing: true},
	}

	r := mux.NewRouter()
	r.HandleFunc("/{service}/health", b.health).Methods(http.MethodGet)
	rm := r.PathPrefix("/realmmanagement/v1/{realm}").Subrouter()
	rm.HandleFunc("/interfaces", b.listInterfaces).Methods(http.MethodGet)
	rm.HandleFunc("/interfaces", b.createInterface).Methods(http.MethodPost)
	rm.HandleFunc("/interfaces/{name}", b.versions).Methods(http.MethodGet)
	rm.HandleFunc("/interfaces/{name}/{major:[0-9]+}", b.getInterface).Methods(http.MethodGet)
	rm.HandleFunc("/interfaces/{name}/{major:[0-9]+}", b.updateInterface).Methods(http.MethodPut)
	r.HandleFunc("/pairing/v1/{realm}/agent/devices", b.register).Methods(http.MethodPost)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return b, ts
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func (b *fakeBackend) health(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.healthy[mux.Vars(r)["service"]] {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

func (b *fakeBackend) recordAuth(r *http.Request) {
	b.authHeader = append(b.authHeader, r.Header.Get("Authorization"))
}

func (b *fakeBackend) listInterfaces(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordAuth(r)
	names := []string{}
	for n := range b.interfaces {
		names = append(names, n)
	}
	writeData(w, http.StatusOK, names)
}

func (b *fakeBackend) versions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	versions, ok := b.interfaces[mux.Vars(r)["name"]]
	if !ok {
		http.Error(w, `{"errors":{"detail":"Interface not found"}}`, http.StatusNotFound)
		return
	}
	majors := []int{}
	for m := range versions {
		majors = append(majors, m)
	}
	writeData(w, http.StatusOK, majors)
}

func (b *fakeBackend) getInterface(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	major, _ := strconv.Atoi(mux.Vars(r)["major"])
	doc, ok := b.interfaces[mux.Vars(r)["name"]][major]
	if !ok {
		http.Error(w, `{"errors":{"detail":"Interface not found"}}`, http.StatusNotFound)
		return
	}
	writeData(w, http.StatusOK, doc)
}

func (b *fakeBackend) store(w http.ResponseWriter, r *http.Request, status int) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var head struct {
		Name  string `json:"interface_name"`
		Major int    `json:"version_major"`
	}
	if err := json.Unmarshal(env.Data, &head); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordAuth(r)
	if b.interfaces[head.Name] == nil {
		b.interfaces[head.Name] = make(map[int]json.RawMessage)
	}
	b.interfaces[head.Name][head.Major] = env.Data
	w.WriteHeader(status)
}

func (b *fakeBackend) createInterface(w http.ResponseWriter, r *http.Request) {
	b.store(w, r, http.StatusCreated)
}

func (b *fakeBackend) updateInterface(w http.ResponseWriter, r *http.Request) {
	b.store(w, r, http.StatusNoContent)
}

func (b *fakeBackend) register(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Data struct {
			HwID string `json:"hw_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Data.HwID == "" {
		http.Error(w, "bad request", http.StatusUnprocessableEntity)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordAuth(r)
	for _, d := range b.devices {
		if d == req.Data.HwID {
			http.Error(w, `{"errors":{"detail":"Device already registered"}}`, http.StatusUnprocessableEntity)
			return
		}
	}
	b.devices = append(b.devices, req.Data.HwID)
	writeData(w, http.StatusCreated, map[string]string{"credentials_secret": "secret-" + req.Data.HwID})
}

func ecKeyPEM(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func bearer(h string) string {
	return strings.TrimPrefix(h, "Bearer ")
}
