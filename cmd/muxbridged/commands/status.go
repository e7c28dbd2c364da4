// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/muxbridged/pkg/models"
	"github.com/n0ot/muxbridged/pkg/server"
)

const defaultStatusPort = "8080"

var (
	statusPort              string
	skipTLSVerification     bool
	statusServerCertificate string
	statusPassword          string
	promptForPassword       bool
	statusDisableTLS        bool
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [host]",
	Short: "Print status from a muxbridged server",
	Long: `status queries a muxbridged server for the active channel,
connected clients and serial link state.

If the host is omitted, the local muxbridged server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if statusDisableTLS && statusPassword != "" {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. Your status password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statusPort)
			} else {
				statusPort = port
			}
			statusDisableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statusPassword = viper.GetString("server.statusPassword")
		}
		return getStatus(host)
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusPort, "port", "P", defaultStatusPort, "port of the server to query status for")
	statusCmd.Flags().BoolVarP(&statusDisableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statusCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statusCmd.Flags().StringVarP(&statusServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statusCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's status password\n    If unset, the password is the same as the local server's.")
}

func statusClient() (*http.Client, error) {
	if statusDisableTLS {
		return &http.Client{Timeout: 10 * time.Second}, nil
	}

	var certPool *x509.CertPool
	if statusServerCertificate != "" {
		cert, err := os.ReadFile(statusServerCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "Open server certificate")
		}
		certPool = x509.NewCertPool()
		certPool.AppendCertsFromPEM(cert)
	}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		},
	}, nil
}

func getStatus(statusHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statusPassword = string(pass)
	}

	if statusPassword == "" {
		statusPassword = os.Getenv("MUXBRIDGED_STATUS_PASSWORD")
	}

	client, err := statusClient()
	if err != nil {
		return err
	}

	scheme := "https"
	if statusDisableTLS {
		scheme = "http"
	}
	statusAddr := net.JoinHostPort(statusHost, statusPort)
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s://%s/status", scheme, statusAddr), nil)
	if err != nil {
		return errors.Wrap(err, "Request status")
	}
	if statusPassword != "" {
		req.Header.Set(server.StatusPasswordHeader, statusPassword)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to muxbridged server")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "Get status response from server")
	}

	if resp.StatusCode != http.StatusOK {
		var errMSG models.ErrorMessage
		if err := json.Unmarshal(body, &errMSG); err == nil && errMSG.Error != "" {
			return errors.Errorf("Server returned an error: %s", errMSG.Error)
		}
		return errors.Errorf("Server returned %s", resp.Status)
	}

	var msg models.StatusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return errors.Wrap(err, "Get status response from server")
	}

	// Don't display the default port in the output.
	friendlyAddr := statusHost
	if statusPort != defaultStatusPort {
		friendlyAddr = statusAddr
	}
	st := msg.Status
	serialState := "unavailable"
	if st.SerialAvailable {
		serialState = "open"
	}
	fmt.Printf(`Status for %s:
Uptime: %s
Channel: %s

Number of clients: %d
Max clients: %d on %s
Total clients: %d

Serial port %s: %s
`, friendlyAddr, st.Uptime,
		st.ChannelName,
		st.NumClients,
		st.MaxClients, st.MaxClientsTime,
		st.TotalClients,
		st.SerialPort, serialState)
	return nil
}
