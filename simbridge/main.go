// Command simbridge runs peer processes against a simulated radio channel.
package main

import "github.com/sarchlab/simbridge/simbridge/cmd"

func main() {
	cmd.Execute()
}
