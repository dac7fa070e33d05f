// maxidomd runs the behavioral lockdown daemon and its client commands.
package main

import "maxidomd/internal/cli"

func main() {
	cli.Execute()
}
