package telephony

import "fmt"

// Registry holds one Provider per configured variant.
type Registry struct {
	providers map[Variant]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[Variant]Provider, len(ps))}
	for _, p := range ps {
		if p != nil {
			r.providers[p.Variant()] = p
		}
	}
	return r
}

func (r *Registry) Get(v Variant) (Provider, error) {
	p, ok := r.providers[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q not configured", ErrUnknownProvider, v)
	}
	return p, nil
}

func (r *Registry) Variants() []Variant {
	out := make([]Variant, 0, len(r.providers))
	for _, v := range []Variant{VariantCloudCarrier, VariantSipTrunk} {
		if _, ok := r.providers[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
