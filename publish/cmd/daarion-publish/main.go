// daarion-publish deploys the DAAR token suite behind ERC1967 proxies,
// initializes and wires it, and hands ownership to the custody wallet.
package main

func main() {
	Execute()
}
