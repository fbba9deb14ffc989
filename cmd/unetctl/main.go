// Command unetctl exercises the unet stack from a shell: NAT discovery,
// transaction round trips, stream sessions and a combined responder.
package main

func main() {
	Execute()
}
