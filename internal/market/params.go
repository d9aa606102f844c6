package market

// Params carries per-fetch arguments. Keys holds the symbol or fund codes
// for batchable categories; Extra carries provider-specific knobs.
type Params struct {
	Keys  []string          `json:"keys,omitempty"`
	Extra map[string]string `json:"extra,omitempty"`
}

// Clone deep-copies the params so callers can partition key sets without
// sharing backing arrays.
func (p Params) Clone() Params {
	out := Params{}
	if len(p.Keys) > 0 {
		out.Keys = make([]string, len(p.Keys))
		copy(out.Keys, p.Keys)
	}
	if len(p.Extra) > 0 {
		out.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// WithKeys returns a copy of the params carrying the given key subset.
func (p Params) WithKeys(keys []string) Params {
	out := p.Clone()
	out.Keys = keys
	return out
}
