package registry

import "fmt"

func errIndexMismatch(index string, e Entry) error {
	return fmt.Errorf("registry: entry %s/%s@%s present in tsbs but missing from %s",
		e.SystemID, e.Branch, e.HLC, index)
}

func errCardinalityMismatch(tsbs, sbts, stbh int) error {
	return fmt.Errorf("registry: index cardinality mismatch: tsbs=%d sbts=%d stbh=%d", tsbs, sbts, stbh)
}
