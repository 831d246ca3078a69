// Copyright © 2025 the CanvasRelay authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/athel/canvasrelay/cmd/canvasrelayd/commands"

func main() {
	commands.Execute()
}
