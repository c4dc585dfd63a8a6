package cli_test

import (
	"errors"
	"flag"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/keyexchange/pkg/cli"
	"github.com/teslamotors/keyexchange/pkg/connector"
	"github.com/teslamotors/keyexchange/pkg/protocol"
)

const testKeyFile = "../protocol/test/private.pem"

func setenv(name, value string) {
	previous, ok := os.LookupEnv(name)
	Expect(os.Setenv(name, value)).To(Succeed())
	DeferCleanup(func() {
		if ok {
			os.Setenv(name, previous)
		} else {
			os.Unsetenv(name)
		}
	})
}

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Describe("ReadFromEnvironment", func() {
		It("fills in missing values", func() {
			setenv(cli.EnvKexDevice, "/dev/ttyACM0")
			setenv(cli.EnvKexChunkSize, "16")
			setenv(cli.EnvKexKeyService, "https://keys.example.com")
			setenv(cli.EnvKexCacheFile, filepath.Join(dir, "nonces.json"))

			config, err := cli.NewConfig(cli.FlagAll)
			Expect(err).ToNot(HaveOccurred())
			config.ReadFromEnvironment()

			Expect(config.Device).To(Equal("/dev/ttyACM0"))
			Expect(config.ChunkSize).To(Equal(16))
			Expect(config.KeyServiceURL).To(Equal("https://keys.example.com"))
			Expect(config.CacheFilename).To(Equal(filepath.Join(dir, "nonces.json")))
		})

		It("does not override command-line flags", func() {
			setenv(cli.EnvKexDevice, "/dev/ttyACM0")
			setenv(cli.EnvKexKeyFile, "from-environment.pem")

			config, err := cli.NewConfig(cli.FlagAll)
			Expect(err).ToNot(HaveOccurred())
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			config.RegisterFlags(fs)
			Expect(fs.Parse([]string{"-device", "-", "-key-file", testKeyFile, "-chunk-size", "8"})).To(Succeed())
			config.ReadFromEnvironment()

			Expect(config.Device).To(Equal(cli.StdioDevice))
			Expect(config.KeyFilename).To(Equal(testKeyFile))
			Expect(config.ChunkSize).To(Equal(8))
		})

		It("ignores options outside its flags", func() {
			setenv(cli.EnvKexDevice, "/dev/ttyACM0")

			config, err := cli.NewConfig(cli.FlagPrivateKey)
			Expect(err).ToNot(HaveOccurred())
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			config.RegisterFlags(fs)
			Expect(fs.Lookup("device")).To(BeNil())
			config.ReadFromEnvironment()
			Expect(config.Device).To(BeEmpty())
		})
	})

	Describe("PrivateKey", func() {
		It("requires a key location", func() {
			config, _ := cli.NewConfig(cli.FlagPrivateKey)
			_, err := config.PrivateKey()
			Expect(err).To(MatchError(cli.ErrNoKeySpecified))
		})

		It("loads a key file", func() {
			config, _ := cli.NewConfig(cli.FlagPrivateKey)
			config.KeyFilename = testKeyFile
			skey, err := config.PrivateKey()
			Expect(err).ToNot(HaveOccurred())
			expected, err := protocol.LoadPublicKey("../protocol/test/public.pem")
			Expect(err).ToNot(HaveOccurred())
			Expect(skey.PublicBytes()).To(Equal(expected[:]))

			again, err := config.PrivateKey()
			Expect(err).ToNot(HaveOccurred())
			Expect(again).To(BeIdenticalTo(skey))
		})

		It("saves new keys to a file", func() {
			config, _ := cli.NewConfig(cli.FlagPrivateKey)
			config.KeyFilename = filepath.Join(dir, "new.pem")
			skey, err := protocol.GeneratePrivateKey()
			Expect(err).ToNot(HaveOccurred())
			Expect(config.SavePrivateKey(skey)).To(Succeed())

			loaded, err := protocol.LoadPrivateKey(config.KeyFilename)
			Expect(err).ToNot(HaveOccurred())
			Expect(loaded.PublicBytes()).To(Equal(skey.PublicBytes()))
		})
	})

	Describe("NonceCache", func() {
		It("is disabled without a file", func() {
			config, _ := cli.NewConfig(cli.FlagAll)
			nonces, err := config.NonceCache()
			Expect(err).ToNot(HaveOccurred())
			Expect(nonces).To(BeNil())
			options, err := config.HandshakeOptions()
			Expect(err).ToNot(HaveOccurred())
			Expect(options).To(BeEmpty())
		})

		It("persists observed nonces", func() {
			filename := filepath.Join(dir, "nonces.json")
			config, _ := cli.NewConfig(cli.FlagNonceCache)
			config.CacheFilename = filename

			nonces, err := config.NonceCache()
			Expect(err).ToNot(HaveOccurred())
			Expect(nonces.Len()).To(Equal(0))
			options, err := config.HandshakeOptions()
			Expect(err).ToNot(HaveOccurred())
			Expect(options).To(HaveLen(1))

			var peer protocol.PublicKey
			peer[0] = 1
			Expect(nonces.Observe(peer, protocol.Nonce{1, 2, 3, 4})).To(BeTrue())
			config.SaveNonceCache()

			reloaded, _ := cli.NewConfig(cli.FlagNonceCache)
			reloaded.CacheFilename = filename
			nonces, err = reloaded.NonceCache()
			Expect(err).ToNot(HaveOccurred())
			Expect(nonces.Seen(peer, protocol.Nonce{1, 2, 3, 4})).To(BeTrue())
		})

		It("reports corrupt cache files", func() {
			filename := filepath.Join(dir, "nonces.json")
			Expect(os.WriteFile(filename, []byte("{"), 0600)).To(Succeed())
			config, _ := cli.NewConfig(cli.FlagNonceCache)
			config.CacheFilename = filename
			_, err := config.NonceCache()
			Expect(err).To(MatchError(ContainSubstring("failed to load nonce cache")))
		})
	})

	Describe("Connect", func() {
		It("requires a device", func() {
			config, _ := cli.NewConfig(cli.FlagTransport)
			_, err := config.Connect()
			Expect(err).To(MatchError(cli.ErrNoDevice))
		})

		It("opens device nodes", func() {
			device := filepath.Join(dir, "tty")
			Expect(os.WriteFile(device, nil, 0600)).To(Succeed())
			config, _ := cli.NewConfig(cli.FlagTransport)
			config.Device = device

			conn, err := config.Connect()
			Expect(err).ToNot(HaveOccurred())
			defer conn.Close()
			Expect(conn.ChunkSize()).To(Equal(connector.DefaultChunkSize))
		})

		It("reports missing devices", func() {
			config, _ := cli.NewConfig(cli.FlagTransport)
			config.Device = filepath.Join(dir, "missing")
			_, err := config.Connect()
			Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		})
	})

	Describe("KeyService", func() {
		It("requires a URL", func() {
			config, _ := cli.NewConfig(cli.FlagKeyService)
			_, err := config.KeyService()
			Expect(err).To(MatchError(cli.ErrNoKeyServiceSpecified))
		})

		It("reads the token file", func() {
			tokenFile := filepath.Join(dir, "token")
			Expect(os.WriteFile(tokenFile, []byte("abc\n"), 0600)).To(Succeed())
			config, _ := cli.NewConfig(cli.FlagKeyService)
			config.KeyServiceURL = "https://keys.example.com"
			config.TokenFilename = tokenFile
			Expect(config.LoadCredentials()).To(Succeed())

			client, err := config.KeyService()
			Expect(err).ToNot(HaveOccurred())
			Expect(client).ToNot(BeNil())
		})
	})
})
