package cli_test

import (
	"errors"

	"github.com/99designs/keyring"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/keyexchange/pkg/cli"
	"github.com/teslamotors/keyexchange/pkg/protocol"
)

var _ = Describe("Keyring", func() {
	var config *cli.Config

	BeforeEach(func() {
		setenv(cli.EnvKexKeyringType, string(keyring.FileBackend))
		setenv(cli.EnvKexKeyringPath, GinkgoT().TempDir())
		setenv(cli.EnvKexKeyringPass, "hunter2")
		setenv(cli.EnvKexKeyName, "test")
		setenv(cli.EnvKexTokenName, "test")

		var err error
		config, err = cli.NewConfig(cli.FlagAll)
		Expect(err).ToNot(HaveOccurred())
		config.ReadFromEnvironment()
		Expect(config.BackendType.String()).To(Equal(string(keyring.FileBackend)))
	})

	It("rejects unknown backends", func() {
		Expect(config.BackendType.Set("carrier-pigeon")).ToNot(Succeed())
	})

	It("stores private keys", func() {
		skey, err := protocol.GeneratePrivateKey()
		Expect(err).ToNot(HaveOccurred())
		Expect(config.SavePrivateKey(skey)).To(Succeed())

		loaded, err := config.LoadKeyFromKeyring()
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded.PublicBytes()).To(Equal(skey.PublicBytes()))

		Expect(config.DeletePrivateKey()).To(Succeed())
		_, err = config.LoadKeyFromKeyring()
		Expect(errors.Is(err, cli.ErrKeyNotFound)).To(BeTrue())
	})

	It("stores tokens", func() {
		Expect(config.SaveTokenToKeyring("secret")).To(Succeed())
		token, err := config.LoadTokenFromKeyring()
		Expect(err).ToNot(HaveOccurred())
		Expect(token).To(Equal("secret"))
	})

	Describe("peer records", func() {
		var first, second protocol.PublicKey

		BeforeEach(func() {
			first[0] = 1
			second[0] = 2
		})

		It("trusts a peer on first use", func() {
			record, err := config.RecordHandshake("sensor", first, protocol.Nonce{0, 1, 2, 3})
			Expect(err).ToNot(HaveOccurred())
			Expect(record.Handshakes).To(Equal(uint64(1)))

			record, err = config.RecordHandshake("sensor", first, protocol.Nonce{4, 5, 6, 7})
			Expect(err).ToNot(HaveOccurred())
			Expect(record.Handshakes).To(Equal(uint64(2)))

			stored, err := config.LoadPeerRecord("sensor")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.PublicKey).To(Equal(first))
			Expect(stored.LastNonce).To(Equal(protocol.Nonce{4, 5, 6, 7}))
		})

		It("rejects a changed key", func() {
			_, err := config.RecordHandshake("sensor", first, protocol.Nonce{0, 1, 2, 3})
			Expect(err).ToNot(HaveOccurred())

			_, err = config.RecordHandshake("sensor", second, protocol.Nonce{4, 5, 6, 7})
			Expect(errors.Is(err, protocol.ErrPeerKeyChanged)).To(BeTrue())

			stored, err := config.LoadPeerRecord("sensor")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.PublicKey).To(Equal(first))
			Expect(stored.Handshakes).To(Equal(uint64(1)))
		})

		It("lists and removes peers", func() {
			_, err := config.RecordHandshake("b-sensor", second, protocol.Nonce{})
			Expect(err).ToNot(HaveOccurred())
			_, err = config.RecordHandshake("a-sensor", first, protocol.Nonce{})
			Expect(err).ToNot(HaveOccurred())
			Expect(config.SaveTokenToKeyring("not a peer")).To(Succeed())

			peers, err := config.ListPeers()
			Expect(err).ToNot(HaveOccurred())
			Expect(peers).To(HaveLen(2))
			Expect(peers[0].Name).To(Equal("a-sensor"))
			Expect(peers[1].Name).To(Equal("b-sensor"))

			Expect(config.RemovePeer("a-sensor")).To(Succeed())
			_, err = config.LoadPeerRecord("a-sensor")
			Expect(errors.Is(err, protocol.ErrUnknownPeer)).To(BeTrue())
		})
	})
})
