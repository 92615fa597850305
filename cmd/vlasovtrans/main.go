// Command vlasovtrans runs spatial translation sweeps of a drifting
// distribution on an adaptively refined mesh split over in-process ranks.
package main

func main() {
	Execute()
}
