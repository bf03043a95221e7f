//go:build !race

package handover

func passwordHashCost() int {
	return 12
}
