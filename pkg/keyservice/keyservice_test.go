package keyservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/pkg/keyservice"
	"github.com/teslamotors/keyexchange/pkg/protocol"
)

const (
	baseURL    = "https://keys.example.com"
	hwDeviceID = "device-0001"
)

var registerURL = baseURL + "/" + keyservice.Endpoint

func signedToken(hwID string) (string, authentication.PrivateKey) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	key := authentication.UnmarshalPrivateKey(seed)
	Expect(key).ToNot(BeNil())
	token, err := authentication.SignKeyInfo(key, hwID, time.Now())
	Expect(err).ToNot(HaveOccurred())
	return token, key
}

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		client *keyservice.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = keyservice.New(baseURL+"/", "secret-token")
		httpmock.Activate()
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	Describe("Register", func() {
		It("posts the key info token", func() {
			token, _ := signedToken(hwDeviceID)
			httpmock.RegisterResponder(http.MethodPost, registerURL, func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer secret-token"))
				Expect(r.Header.Get("User-Agent")).To(Equal(keyservice.DefaultUserAgent))
				body, err := io.ReadAll(r.Body)
				Expect(err).ToNot(HaveOccurred())
				var request map[string]string
				Expect(json.Unmarshal(body, &request)).To(Succeed())
				Expect(request["keyInfo"]).To(Equal(token))
				return httpmock.NewJsonResponse(http.StatusCreated, map[string]string{})
			})

			Expect(client.Register(ctx, token)).To(Succeed())
			Expect(httpmock.GetTotalCallCount()).To(Equal(1))
		})

		It("refuses to send an invalid token", func() {
			err := client.Register(ctx, "not.a.token")
			Expect(err).To(HaveOccurred())
			Expect(httpmock.GetTotalCallCount()).To(Equal(0))
		})

		It("reports conflicting registrations", func() {
			token, _ := signedToken(hwDeviceID)
			httpmock.RegisterResponder(http.MethodPost, registerURL,
				httpmock.NewStringResponder(http.StatusConflict, `{"error":"exists"}`))

			err := client.Register(ctx, token)
			Expect(errors.Is(err, keyservice.ErrAlreadyRegistered)).To(BeTrue())
		})

		It("marks unavailable services as temporary", func() {
			token, _ := signedToken(hwDeviceID)
			httpmock.RegisterResponder(http.MethodPost, registerURL,
				httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))

			err := client.Register(ctx, token)
			var httpErr *keyservice.HttpError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Expect(httpErr.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(httpErr.Error()).To(Equal("try later"))
			Expect(protocol.Temporary(err)).To(BeTrue())
		})

		It("does not retry bad requests", func() {
			token, _ := signedToken(hwDeviceID)
			httpmock.RegisterResponder(http.MethodPost, registerURL,
				httpmock.NewStringResponder(http.StatusBadRequest, ""))

			err := client.Register(ctx, token)
			Expect(err).To(MatchError(http.StatusText(http.StatusBadRequest)))
			Expect(protocol.Temporary(err)).To(BeFalse())
		})
	})

	Describe("Lookup", func() {
		lookupURL := registerURL + "/" + hwDeviceID

		It("returns the verified key", func() {
			token, key := signedToken(hwDeviceID)
			httpmock.RegisterResponder(http.MethodGet, lookupURL, func(r *http.Request) (*http.Response, error) {
				return httpmock.NewJsonResponse(http.StatusOK, map[string]string{"keyInfo": token})
			})

			info, err := client.Lookup(ctx, hwDeviceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.HardwareDeviceID).To(Equal(hwDeviceID))
			Expect(info.PublicKeyID).To(Equal(authentication.PublicKeyID(key.PublicBytes())))

			publicKey, err := client.LookupPublicKey(ctx, hwDeviceID)
			Expect(err).ToNot(HaveOccurred())
			Expect(publicKey[:]).To(Equal(key.PublicBytes()))
		})

		It("rejects key info issued for another device", func() {
			token, _ := signedToken("device-0002")
			httpmock.RegisterResponder(http.MethodGet, lookupURL,
				httpmock.NewStringResponder(http.StatusOK, `{"keyInfo":"`+token+`"}`))

			_, err := client.Lookup(ctx, hwDeviceID)
			Expect(errors.Is(err, keyservice.ErrKeyMismatch)).To(BeTrue())
		})

		It("rejects tampered key info", func() {
			token, _ := signedToken(hwDeviceID)
			i := len(token) - 10
			replacement := "A"
			if token[i] == 'A' {
				replacement = "B"
			}
			tampered := token[:i] + replacement + token[i+1:]
			httpmock.RegisterResponder(http.MethodGet, lookupURL,
				httpmock.NewStringResponder(http.StatusOK, `{"keyInfo":"`+tampered+`"}`))

			_, err := client.Lookup(ctx, hwDeviceID)
			Expect(err).To(HaveOccurred())
		})

		It("reports unknown devices", func() {
			httpmock.RegisterResponder(http.MethodGet, lookupURL,
				httpmock.NewStringResponder(http.StatusNotFound, ""))

			_, err := client.Lookup(ctx, hwDeviceID)
			Expect(errors.Is(err, keyservice.ErrNotFound)).To(BeTrue())
		})

		It("rejects malformed responses", func() {
			httpmock.RegisterResponder(http.MethodGet, lookupURL,
				httpmock.NewStringResponder(http.StatusOK, "<html>"))

			_, err := client.Lookup(ctx, hwDeviceID)
			Expect(err).To(MatchError(ContainSubstring("invalid key service response")))
		})

		It("treats connection failures as temporary", func() {
			httpmock.RegisterResponder(http.MethodGet, lookupURL,
				httpmock.NewErrorResponder(errors.New("connection reset")))

			_, err := client.Lookup(ctx, hwDeviceID)
			Expect(err).To(HaveOccurred())
			Expect(protocol.Temporary(err)).To(BeTrue())
		})
	})
})
