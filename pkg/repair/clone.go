package repair

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/matterdesk/protoflow/pkg/schema"
)

// yamlRoundTrip deep-copies a protocol through its canonical encoding, so a
// patch never mutates the published version in place.
func yamlRoundTrip(p *schema.Protocol) (*schema.Protocol, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, err
	}
	return schema.Load(bytes.NewReader(data))
}
