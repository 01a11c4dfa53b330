package token

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/alwitt/wsbench/common"
	"github.com/apex/log"
)

// Pool is an immutable set of token addresses filters draw values from.
// Safe for concurrent use; the draws go through math/rand's shared source.
type Pool struct {
	common.Component
	addresses []string
}

// LoadPoolFromFile define a token pool from a JSON array file
func LoadPoolFromFile(path string) (*Pool, error) {
	logTags := log.Fields{
		"module": "token", "component": "pool", "source": path,
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var addresses []string
	if err := json.Unmarshal(content, &addresses); err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("token file %s holds no addresses", path)
	}
	log.WithFields(logTags).Infof("Loaded %d token addresses", len(addresses))
	return &Pool{
		Component: common.Component{LogTags: logTags}, addresses: addresses,
	}, nil
}

// GetSyntheticPool define a token pool of generated addresses
func GetSyntheticPool(count int) (*Pool, error) {
	if count < 1 {
		return nil, fmt.Errorf("synthetic pool needs at least one address")
	}
	logTags := log.Fields{
		"module": "token", "component": "pool", "source": "synthetic",
	}
	addresses := make([]string, count)
	for itr := 0; itr < count; itr++ {
		addresses[itr] = fmt.Sprintf("token_%08x", itr)
	}
	return &Pool{
		Component: common.Component{LogTags: logTags}, addresses: addresses,
	}, nil
}

// Size the number of addresses in the pool
func (p *Pool) Size() int {
	return len(p.addresses)
}

// Random draw one address at random
func (p *Pool) Random() string {
	return p.addresses[rand.Intn(len(p.addresses))]
}

// RandomDistinct draw count distinct addresses without replacement. When the
// pool holds fewer than count addresses, the whole pool is returned.
func (p *Pool) RandomDistinct(count int) []string {
	if count > len(p.addresses) {
		count = len(p.addresses)
	}
	picked := make([]string, count)
	for itr, idx := range rand.Perm(len(p.addresses))[:count] {
		picked[itr] = p.addresses[idx]
	}
	return picked
}
