// credvault is the secure credential vault for autonomous agents. It
// serves the vault over MCP and offers a few operator commands.
package main

func main() {
	Execute()
}
