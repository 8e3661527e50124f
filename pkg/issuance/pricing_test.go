package issuance

import "testing"

func TestNumberOfLootBoxesAtBasePrice(t *testing.T) {
	if got := NumberOfLootBoxes(5, 0); got != 1 {
		t.Errorf("Expected a base-price payment to buy 1 box, got %d", got)
	}
}

func TestNumberOfLootBoxesTiePrefersLargerCount(t *testing.T) {
	// 7.5 sits exactly between one box (5) and two boxes (10); the larger
	// count wins the tie.
	if got := NumberOfLootBoxes(7.5, 0); got != 2 {
		t.Errorf("Expected the tie to resolve to 2 boxes, got %d", got)
	}
}

func TestNumberOfLootBoxesWithAgencyDiscount(t *testing.T) {
	// A 50% agency discount halves the per-box price below the volume
	// threshold, so 5 units buy two boxes.
	if got := NumberOfLootBoxes(5, 0.5); got != 2 {
		t.Errorf("Expected 2 boxes at half price, got %d", got)
	}
}

func TestVolumeDiscountStartsAtFiveBoxes(t *testing.T) {
	if got := priceAfterDiscount(4, 0); got != BasePrice {
		t.Errorf("Expected no volume discount below 5 boxes, got price %v", got)
	}
	if got := priceAfterDiscount(5, 0); got >= BasePrice {
		t.Errorf("Expected a volume discount at 5 boxes, got price %v", got)
	}
}

func TestDistributionSumsToOrder(t *testing.T) {
	for _, n := range []int{1, 3, 9, 10, 11, 20, 25, 57} {
		batches := Distribution(n)
		sum := 0
		for i, b := range batches {
			sum += b
			if i < len(batches)-1 && b != 10 {
				t.Errorf("Distribution(%d): batch %d is %d, expected a full 10", n, i, b)
			}
			if b < 1 || b > 10 {
				t.Errorf("Distribution(%d): batch %d has invalid size %d", n, i, b)
			}
		}
		if sum != n {
			t.Errorf("Distribution(%d) sums to %d", n, sum)
		}
	}
}

func TestDistributionOfNothing(t *testing.T) {
	if got := Distribution(0); got != nil {
		t.Errorf("Expected no batches for 0 boxes, got %v", got)
	}
}
