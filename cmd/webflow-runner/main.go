// Command webflow-runner runs browser automation flow packs.
package main

import "github.com/devicelab-dev/webflow-runner/pkg/cli"

func main() {
	cli.Execute()
}
