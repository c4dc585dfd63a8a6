// Utility for generating, saving, migrating, and announcing identity keys

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/teslamotors/keyexchange/internal/authentication"
	"github.com/teslamotors/keyexchange/internal/log"
	"github.com/teslamotors/keyexchange/pkg/cli"
	"github.com/teslamotors/keyexchange/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Creates or deletes an Ed25519 identity key and saves it in the system keyring, or migrates a key
from a plaintext file into the system keyring.

The program writes the public key to stdout (except when deleting a key). When using the create
option, the program will not overwrite an existing key unless invoked with -f.

The keyinfo command prints a signed key info token announcing the public key for the device named
by -device-id. The token can be uploaded with "kex-control register". A key service only accepts a
new key for a device that already has one if -previous-key-id names the registered key.

The type of keyring and name of the key inside that keyring are controlled by the command-line
options below, or through the corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] create|delete|export|migrate|keyinfo\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

func printPublicKey(skey protocol.PrivateKey) bool {
	pkey, err := protocol.PublicKeyOf(skey)
	if err != nil {
		return false
	}
	encoded, err := protocol.MarshalPublicKeyPEM(pkey)
	if err != nil {
		return false
	}
	os.Stdout.Write(encoded)
	return true
}

func printPrivateKey(skey protocol.PrivateKey) error {
	encoded, err := authentication.MarshalPrivateKeyPEM(skey)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(encoded)
	return err
}

func main() {
	// Command-line variables
	var (
		overwrite bool
		deviceID  string
		previous  string
		skey      protocol.PrivateKey
		err       error
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagPrivateKey)
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.BoolVar(&overwrite, "f", false, "Overwrite existing key if it exists")
	flag.StringVar(&deviceID, "device-id", "", "Hardware `ID` announced by the keyinfo command")
	flag.StringVar(&previous, "previous-key-id", "", "Key `ID` replaced by this key, announced by the keyinfo command")
	flag.Parse()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.ReadFromEnvironment()

	if flag.NArg() != 1 {
		usage(os.Stderr)
		return
	}

	switch flag.Arg(0) {
	case "migrate":
		if config.KeyFilename == "" || config.KeyringKeyName == "" {
			writeErr("Must provide path of existing key (-key-file) and name of new key (-key-name)")
			return
		}

		skey, err = protocol.LoadPrivateKey(config.KeyFilename)
		if err != nil {
			writeErr("Unable to read key: %s", err)
			return
		}
		config.KeyFilename = "" // Prevent key from being re-written to a file
	case "delete":
		if err := config.DeletePrivateKey(); err != nil {
			writeErr("Failed to delete key: %s", err)
		} else {
			status = 0
		}
		return
	case "create":
		if !overwrite {
			// Print key and exit if it already exists
			skey, err = config.PrivateKey()
			if err == nil {
				if ok := printPublicKey(skey); !ok {
					writeErr("Failed to parse key. The keyring may be corrupted. Run with -f to generate new key.")
					return
				}
				status = 0
				return
			}
		}
		skey, err = protocol.GeneratePrivateKey()
		if err != nil {
			writeErr("Failed to generate private key: %s", err)
			return
		}
	case "export":
		skey, err = config.PrivateKey()
		if err == nil {
			err = printPrivateKey(skey)
		}
		if err != nil {
			writeErr("Failed to export private key: %s", err)
			return
		}
		status = 0
		return
	case "keyinfo":
		if deviceID == "" {
			writeErr("Must provide -device-id")
			return
		}
		if skey, err = config.PrivateKey(); err != nil {
			writeErr("Failed to load private key: %s", err)
			return
		}
		info := authentication.NewKeyInfo(skey, deviceID, time.Now())
		info.PreviousPublicKeyID = previous
		token, err := authentication.SignKeyInfoClaims(skey, info)
		if err != nil {
			writeErr("Failed to sign key info: %s", err)
			return
		}
		fmt.Println(token)
		status = 0
		return
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}

	if err = config.SavePrivateKey(skey); err != nil {
		writeErr("Failed to save key to keyring: %s", err)
		return
	}

	if ok := printPublicKey(skey); !ok {
		writeErr("Failed to extract public key. Run with -f to generate new key pair.")
		return
	}
	status = 0
}
