package packet

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

//go:embed schema/packet.schema.json
var schemaJSON []byte

const schemaURL = "https://certledger.schemas.local/packet.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("packet: add schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// Decode validates raw against the packet JSON schema and decodes it.
func Decode(raw []byte) (Packet, error) {
	schema, err := compiledSchema()
	if err != nil {
		return Packet{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Packet{}, reject(errcodes.ProvMalformed, ErrMalformed, "invalid json: %v", err)
	}
	if dec.More() {
		return Packet{}, reject(errcodes.ProvMalformed, ErrMalformed, "trailing data after packet")
	}
	if err := schema.Validate(doc); err != nil {
		return Packet{}, reject(errcodes.ProvMalformed, ErrMalformed, "%v", err)
	}
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, reject(errcodes.ProvMalformed, ErrMalformed, "%v", err)
	}
	return p, nil
}
