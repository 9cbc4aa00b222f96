package bond

// split divides a slashed stake. Half goes to the winning party (an odd unit
// stays on the protocol side), and the remainder pool is shared between
// treasury and adjudicator by adjudicatorBps, integer-division remainder to
// the treasury. Non-default assets push the adjudicator share into the
// treasury because conversion is unsupported.
func split(amount int64, adjudicatorBps int, asset string) Split {
	winner := amount / 2
	pool := amount - winner

	adj := pool * int64(adjudicatorBps) / 10000
	treasury := pool - adj

	if asset != DefaultAsset {
		treasury += adj
		adj = 0
	}

	return Split{Winner: winner, Treasury: treasury, Adjudicator: adj}
}
