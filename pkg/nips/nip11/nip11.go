package nip11

import jsoniter "github.com/json-iterator/go"

// RelayInformationDocument represents the NIP-11 relay information document.
type RelayInformationDocument struct {
	Name          string      `json:"name,omitempty"`
	Description   string      `json:"description,omitempty"`
	Pubkey        string      `json:"pubkey,omitempty"`
	Contact       string      `json:"contact,omitempty"`
	SupportedNIPs []int       `json:"supported_nips,omitempty"`
	Software      string      `json:"software,omitempty"`
	Version       string      `json:"version,omitempty"`
	Icon          string      `json:"icon,omitempty"`
	Limitation    *Limitation `json:"limitation,omitempty"`
}

// Limitation advertises server-side caps to clients.
type Limitation struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	MinPowDifficulty int  `json:"min_pow_difficulty,omitempty"`
	AuthRequired     bool `json:"auth_required"`
}

// ToJSON returns the JSON encoding of the document.
func (d *RelayInformationDocument) ToJSON() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(d)
}
