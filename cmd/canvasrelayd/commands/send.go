// Copyright © 2025 the CanvasRelay authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/athel/canvasrelay/pkg/bridge"
)

var (
	sendURL     string
	sendChannel string
	sendTimeout time.Duration
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send command [params-json]",
	Short: "Send one command through a CanvasRelay channel",
	Long: `send joins a channel on a running relay, forwards one command to the
channel's executor, and prints the reply.

The command name and params are passed through opaquely; whatever executor
is listening on the channel decides what they mean.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := args[0]
		var params json.RawMessage
		if len(args) > 1 {
			if !json.Valid([]byte(args[1])) {
				return errors.New("params must be valid JSON")
			}
			params = json.RawMessage(args[1])
		}
		return sendCommand(command, params)
	},
}

func init() {
	RootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendURL, "url", "u", "ws://127.0.0.1:3055/", "URL of the relay server")
	sendCmd.Flags().StringVarP(&sendChannel, "channel", "c", "", "channel to send the command on (required)")
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", bridge.DefaultTimeout, "how long to wait for the reply")
	sendCmd.MarkFlagRequired("channel")
}

func sendCommand(command string, params json.RawMessage) error {
	session := bridge.Dial(sendURL)
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := session.WaitConnected(ctx); err != nil {
		return errors.Wrap(err, "Connect to relay")
	}
	if err := session.Join(ctx, sendChannel); err != nil {
		return errors.Wrap(err, "Join channel")
	}

	result, err := session.SendTimeout(ctx, command, params, sendChannel, sendTimeout)
	if err != nil {
		return err
	}

	var pretty interface{}
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
