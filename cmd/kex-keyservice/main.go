package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/keyservice"
)

const defaultPort = 443

const (
	EnvTlsCert   = "KEX_KEYSERVICE_TLS_CERT"
	EnvTlsKey    = "KEX_KEYSERVICE_TLS_KEY"
	EnvHost      = "KEX_KEYSERVICE_HOST"
	EnvPort      = "KEX_KEYSERVICE_PORT"
	EnvTokenFile = "KEX_KEYSERVICE_TOKEN_FILE"
	EnvTimeout   = "KEX_KEYSERVICE_TIMEOUT"
	EnvVerbose   = "KEX_VERBOSE"
)

const defaultTimeout = 10 * time.Second

const nonLocalhostWarning = `
Keys are kept in memory and lost when the server exits. Do not listen on a network interface
without setting -token-file, or anyone who can reach the server can register keys.`

type KeyServiceConfig struct {
	keyFilename   string
	certFilename  string
	tokenFilename string
	verbose       bool
	host          string
	port          int
	timeout       time.Duration
}

var (
	httpConfig = &KeyServiceConfig{}
)

func init() {
	flag.StringVar(&httpConfig.certFilename, "cert", "", "TLS certificate chain `file` with concatenated server, intermediate CA, and root CA certificates")
	flag.StringVar(&httpConfig.keyFilename, "tls-key", "", "Server TLS private key `file`")
	flag.StringVar(&httpConfig.tokenFilename, "token-file", "", "`File` containing the bearer token required to register keys")
	flag.BoolVar(&httpConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&httpConfig.host, "host", "localhost", "Server `hostname`")
	flag.IntVar(&httpConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.DurationVar(&httpConfig.timeout, "timeout", defaultTimeout, "Timeout for reading requests and writing replies")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that stores key info tokens announced by devices")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}

	if httpConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	if httpConfig.host != "localhost" {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	var authToken string
	if httpConfig.tokenFilename != "" {
		var contents []byte
		if contents, err = os.ReadFile(httpConfig.tokenFilename); err != nil {
			return
		}
		authToken = strings.TrimSpace(string(contents))
	}

	addr := fmt.Sprintf("%s:%d", httpConfig.host, httpConfig.port)
	server := NewServer(addr, keyservice.NewServer(authToken))
	server.ReadTimeout = httpConfig.timeout
	server.WriteTimeout = httpConfig.timeout
	log.Info("Listening on %s", addr)

	if httpConfig.certFilename == "" && httpConfig.keyFilename == "" {
		log.Warning("No TLS certificate configured, using a self-signed certificate")
		var cert tls.Certificate
		if cert, err = selfSignedCertificate(); err != nil {
			return
		}
		server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	err = server.ListenAndServeTLS(httpConfig.certFilename, httpConfig.keyFilename)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	log.Error("Server stopped: %s", err)
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if httpConfig.certFilename == "" {
		httpConfig.certFilename = os.Getenv(EnvTlsCert)
	}

	if httpConfig.keyFilename == "" {
		httpConfig.keyFilename = os.Getenv(EnvTlsKey)
	}

	if httpConfig.tokenFilename == "" {
		httpConfig.tokenFilename = os.Getenv(EnvTokenFile)
	}

	if httpConfig.host == "localhost" {
		host, ok := os.LookupEnv(EnvHost)
		if ok {
			httpConfig.host = host
		}
	}

	if !httpConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			httpConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if httpConfig.port == defaultPort {
		if port, ok := os.LookupEnv(EnvPort); ok {
			httpConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}

	if httpConfig.timeout == defaultTimeout {
		if timeoutEnv, ok := os.LookupEnv(EnvTimeout); ok {
			httpConfig.timeout, err = time.ParseDuration(timeoutEnv)
			if err != nil {
				return fmt.Errorf("invalid timeout: %s", timeoutEnv)
			}
		}
	}

	return nil
}
