package issuance

import "math"

// BasePrice is the undiscounted price of one loot box, in payment-token units.
const BasePrice = 5.0

// batchSize is the largest number of boxes minted in one transaction.
const batchSize = 10

// discountByBoxes is the volume discount fraction for an order of n boxes.
// Orders under five boxes get none.
func discountByBoxes(n int) float64 {
	if n < 5 {
		return 0
	}
	return math.Log(float64(n)) / math.Log(100) / BasePrice
}

// applyDiscount subtracts a discount fraction from a base price. The fraction
// is rounded up to six decimals first so the buyer never pays a fraction of a
// unit more than the advertised discount implies.
func applyDiscount(base, pct float64) float64 {
	return base * (1 - math.Ceil(pct*1e6)/1e6)
}

// priceAfterDiscount is the per-box price for an order of n boxes after the
// agency discount and the volume discount are applied in that order.
func priceAfterDiscount(n int, agencyDiscount float64) float64 {
	return applyDiscount(applyDiscount(BasePrice, agencyDiscount), discountByBoxes(n))
}

// NumberOfLootBoxes resolves how many boxes a payment of the given amount
// buys: the candidate count whose total price lands closest to the amount
// paid. On an exact tie the larger count wins; that matches the behavior the
// game has always shipped with, so it stays.
func NumberOfLootBoxes(money, agencyDiscount float64) int {
	maxBoxes := int(math.Ceil(money))
	best := math.Inf(1)
	kept := maxBoxes
	for n := 1; n < maxBoxes; n++ {
		price := priceAfterDiscount(n, agencyDiscount)
		diff := math.Abs(money - float64(n)*price)
		if diff <= best {
			best = diff
			kept = n
		}
	}
	return kept
}

// Distribution splits an order into mint batches: full batches of ten plus a
// remainder.
func Distribution(n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, 0, n/batchSize+1)
	for n > batchSize {
		out = append(out, batchSize)
		n -= batchSize
	}
	out = append(out, n)
	return out
}
