package resources

import (
	"fmt"

	"github.com/leanovate/gopter"
)

//
// Generators for property based testing of FindNodes
//

var coreChoices = []int{1, 4, 8, 16, 24, 32, 64, 128}

// Randomly generates a catalog of 1-6 node classes with distinct names.
func genCatalog(genParams *gopter.GenParameters) Catalog {
	n := int(genParams.NextUint64()%6) + 1
	cat := make(Catalog, n)
	for i := range cat {
		cat[i] = NodeClass{
			Name:     fmt.Sprintf("class%d", i),
			NumCores: coreChoices[genParams.Rng.Intn(len(coreChoices))],
			MaxTime:  int64(genParams.Rng.Intn(72)+1) * 3600,
		}
		if genParams.NextBool() {
			cat[i].MaxMem = int64(genParams.Rng.Intn(512)+1) * 1024 * 1024
		}
	}
	return cat
}

// Randomly generates a request that may or may not fit a catalog.
func genRequest(genParams *gopter.GenParameters) Request {
	req := Request{MaxTime: fmt.Sprintf("%dh", genParams.Rng.Intn(96)+1)}
	if genParams.NextBool() {
		req.NumNodes = genParams.Rng.Intn(8) + 1
		if genParams.NextBool() {
			req.NumCoresPerNode = coreChoices[genParams.Rng.Intn(len(coreChoices))]
		}
	} else {
		req.NumCores = genParams.Rng.Intn(256) + 1
	}
	switch genParams.Rng.Intn(3) {
	case 0:
		req.MaxMemTotal = fmt.Sprintf("%dg", genParams.Rng.Intn(1024)+1)
	case 1:
		req.MaxMemPerCore = fmt.Sprintf("%dm", (genParams.Rng.Intn(64)+1)*256)
	}
	return req
}

type catalogAndRequest struct {
	catalog Catalog
	request Request
	partial bool
}

func GenCatalogAndRequest() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		car := catalogAndRequest{catalog: genCatalog(genParams), request: genRequest(genParams)}
		car.partial = genParams.Rng.Intn(4) == 0
		return gopter.NewGenResult(car, gopter.NoShrinker)
	}
}

// A request whose time exceeds every class's max_time.
func GenTooLongRequest() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		cat := genCatalog(genParams)
		req := genRequest(genParams)
		req.MaxTime = fmt.Sprintf("%dh", 73+genParams.Rng.Intn(100))
		return gopter.NewGenResult(catalogAndRequest{catalog: cat, request: req}, gopter.NoShrinker)
	}
}
