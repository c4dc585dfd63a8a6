package keyservice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/pkg/keyservice"
)

func keyWithSeed(b byte) authentication.PrivateKey {
	key := authentication.UnmarshalPrivateKey(bytes.Repeat([]byte{b}, authentication.SeedSize))
	Expect(key).ToNot(BeNil())
	return key
}

var _ = Describe("Server", func() {
	var (
		server *keyservice.Server
		first  authentication.PrivateKey
		second authentication.PrivateKey
	)

	register := func(token, authorization string) *httptest.ResponseRecorder {
		body, err := json.Marshal(map[string]string{"keyInfo": token})
		Expect(err).ToNot(HaveOccurred())
		req := httptest.NewRequest(http.MethodPost, "/"+keyservice.Endpoint, bytes.NewReader(body))
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		return rr
	}

	sign := func(key authentication.PrivateKey, hwID, previous string) string {
		info := authentication.NewKeyInfo(key, hwID, time.Now())
		info.PreviousPublicKeyID = previous
		token, err := authentication.SignKeyInfoClaims(key, info)
		Expect(err).ToNot(HaveOccurred())
		return token
	}

	BeforeEach(func() {
		server = keyservice.NewServer("secret")
		first = keyWithSeed(1)
		second = keyWithSeed(2)
	})

	It("requires the bearer token to register", func() {
		token := sign(first, hwDeviceID, "")
		Expect(register(token, "").Code).To(Equal(http.StatusForbidden))
		Expect(register(token, "Bearer wrong").Code).To(Equal(http.StatusForbidden))
		Expect(server.Devices()).To(Equal(0))
	})

	It("registers and serves keys", func() {
		token := sign(first, hwDeviceID, "")
		Expect(register(token, "Bearer secret").Code).To(Equal(http.StatusCreated))
		Expect(register(token, "Bearer secret").Code).To(Equal(http.StatusOK))

		req := httptest.NewRequest(http.MethodGet, "/"+keyservice.Endpoint+"/"+hwDeviceID, nil)
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		Expect(rr.Code).To(Equal(http.StatusOK))
		var reply map[string]string
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		Expect(reply["keyInfo"]).To(Equal(token))
	})

	It("rejects unsigned key changes", func() {
		Expect(register(sign(first, hwDeviceID, ""), "Bearer secret").Code).To(Equal(http.StatusCreated))
		rr := register(sign(second, hwDeviceID, ""), "Bearer secret")
		Expect(rr.Code).To(Equal(http.StatusConflict))
		Expect(rr.Body.String()).To(ContainSubstring(keyservice.ErrAlreadyRegistered.Error()))
	})

	It("accepts rotations that name the registered key", func() {
		Expect(register(sign(first, hwDeviceID, ""), "Bearer secret").Code).To(Equal(http.StatusCreated))
		previous := authentication.PublicKeyID(first.PublicBytes())
		Expect(register(sign(second, hwDeviceID, previous), "Bearer secret").Code).To(Equal(http.StatusCreated))

		// The old key can't come back by naming the new one's predecessor.
		Expect(register(sign(first, hwDeviceID, previous), "Bearer secret").Code).To(Equal(http.StatusConflict))
	})

	It("rejects invalid key info", func() {
		Expect(register("not.a.token", "Bearer secret").Code).To(Equal(http.StatusBadRequest))

		req := httptest.NewRequest(http.MethodPost, "/"+keyservice.Endpoint, bytes.NewReader([]byte("{")))
		req.Header.Set("Authorization", "Bearer secret")
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		Expect(rr.Code).To(Equal(http.StatusBadRequest))
	})

	It("routes requests", func() {
		for _, test := range []struct {
			method string
			path   string
			code   int
		}{
			{http.MethodGet, "/" + keyservice.Endpoint + "/unknown", http.StatusNotFound},
			{http.MethodGet, "/api/1/vehicles", http.StatusNotFound},
			{http.MethodDelete, "/" + keyservice.Endpoint + "/" + hwDeviceID, http.StatusMethodNotAllowed},
			{http.MethodGet, "/" + keyservice.Endpoint, http.StatusMethodNotAllowed},
		} {
			req := httptest.NewRequest(test.method, test.path, nil)
			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)
			Expect(rr.Code).To(Equal(test.code), "%s %s", test.method, test.path)
		}
	})

	It("works with the client", func() {
		ts := httptest.NewServer(server)
		defer ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := keyservice.New(ts.URL, "secret")
		Expect(client.Register(ctx, sign(first, hwDeviceID, ""))).To(Succeed())
		publicKey, err := client.LookupPublicKey(ctx, hwDeviceID)
		Expect(err).ToNot(HaveOccurred())
		Expect(publicKey[:]).To(Equal(first.PublicBytes()))

		err = client.Register(ctx, sign(second, hwDeviceID, ""))
		Expect(errors.Is(err, keyservice.ErrAlreadyRegistered)).To(BeTrue())

		_, err = keyservice.New(ts.URL, "").Lookup(ctx, "device-9999")
		Expect(errors.Is(err, keyservice.ErrNotFound)).To(BeTrue())
	})
})
