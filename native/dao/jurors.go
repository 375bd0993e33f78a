package dao

import (
	"encoding/binary"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Staker is one entry of the candidate juror pool: an address with its
// currently staked governance-token weight.
type Staker struct {
	Address [20]byte
	Weight  *big.Int
}

// deriveSeed binds the node entropy to the disputed project so concurrent
// disputes never share a selection sequence.
func deriveSeed(entropy [32]byte, projectID [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(entropy[:], projectID[:])
}

// sampleJurors draws up to count jurors from the candidate pool,
// stake-weighted and without replacement. The draw is fully determined by the
// seed: candidates are ordered by address and each pick consumes one keccak
// digest of seed plus a round counter, so anyone holding the recorded seed
// and the stake snapshot can replay the selection. Pools smaller than count
// are returned whole.
func sampleJurors(candidates []Staker, count int, seed [32]byte) []Juror {
	pool := make([]Staker, 0, len(candidates))
	total := big.NewInt(0)
	for _, c := range candidates {
		if c.Weight == nil || c.Weight.Sign() <= 0 {
			continue
		}
		pool = append(pool, Staker{Address: c.Address, Weight: new(big.Int).Set(c.Weight)})
		total.Add(total, c.Weight)
	}
	sort.Slice(pool, func(i, j int) bool {
		return string(pool[i].Address[:]) < string(pool[j].Address[:])
	})
	if count > len(pool) {
		count = len(pool)
	}
	jurors := make([]Juror, 0, count)
	var round [8]byte
	for len(jurors) < count {
		binary.BigEndian.PutUint64(round[:], uint64(len(jurors)))
		digest := ethcrypto.Keccak256(seed[:], round[:])
		r := new(big.Int).Mod(new(big.Int).SetBytes(digest), total)

		cumulative := big.NewInt(0)
		picked := 0
		for i, c := range pool {
			cumulative.Add(cumulative, c.Weight)
			if r.Cmp(cumulative) < 0 {
				picked = i
				break
			}
		}
		selected := pool[picked]
		jurors = append(jurors, Juror{Address: selected.Address, Weight: selected.Weight})
		total.Sub(total, selected.Weight)
		pool = append(pool[:picked], pool[picked+1:]...)
	}
	return jurors
}
