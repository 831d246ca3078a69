// Copyright © 2025 the CanvasRelay authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/athel/canvasrelay/pkg/relay"
)

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
	statsUseTLS            bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a CanvasRelay server",
	Long: `stats queries a CanvasRelay server for running stats.

If the host is omitted, the local canvasrelayd server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using %q\n", statsPort)
			} else {
				statsPort = port
			}
			statsUseTLS = viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "3055", "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&statsUseTLS, "tls", "T", false, "connect over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")

	viper.SetDefault("server.statsPassword", "")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("CANVASRELAYD_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	statsAddr := net.JoinHostPort(statsHost, statsPort)
	statsURL := url.URL{
		Scheme: "http",
		Host:   statsAddr,
		Path:   "/stats",
	}
	client := &http.Client{Timeout: 10 * time.Second}
	if statsUseTLS {
		statsURL.Scheme = "https"

		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		}
	}

	req, err := http.NewRequest(http.MethodGet, statsURL.String(), nil)
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}
	req.Header.Set("X-Stats-Password", statsPassword)

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Connect to CanvasRelay server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Server returned an error: %s", resp.Status)
	}

	var stats relay.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return errors.Wrap(err, "Get stats response from server")
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != "3055" {
		friendlyAddr = statsAddr
	}
	fmt.Printf(`Stats for %s:
Uptime: %s
Number of channels: %d
Max channels: %d on %s

Number of clients: %d
Max clients: %d on %s
`, friendlyAddr, stats.Uptime,
		stats.NumChannels,
		stats.MaxChannels, stats.MaxChannelsTime,
		stats.NumClients,
		stats.MaxClients, stats.MaxClientsTime)
	return nil
}
