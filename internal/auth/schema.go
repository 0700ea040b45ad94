// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/castline/castline/internal/failure"
)

const maxBodyBytes = 64 << 10

type registerRequest struct {
	Email           string `json:"email" jsonschema:"required,format=email,maxLength=254"`
	Password        string `json:"password" jsonschema:"required,minLength=8,maxLength=128"`
	ConfirmPassword string `json:"confirmPassword" jsonschema:"required"`
	Role            string `json:"role" jsonschema:"required,enum=TALENT,enum=AGENCY,enum=talent,enum=agency"`
	AcceptTerms     bool   `json:"acceptTerms,omitempty"`
	AcceptPrivacy   bool   `json:"acceptPrivacy,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email" jsonschema:"required,minLength=1"`
	Password string `json:"password" jsonschema:"required,minLength=1"`
}

type verifyRequest struct {
	Token string `json:"token" jsonschema:"required"`
}

type resendRequest struct {
	Email string `json:"email" jsonschema:"required,format=email"`
}

// requestBodies names the request types served by Handler, keyed by the
// route they belong to.
var requestBodies = []struct {
	name string
	req  any
}{
	{"register", registerRequest{}},
	{"login", loginRequest{}},
	{"verify", verifyRequest{}},
	{"resend-verification", resendRequest{}},
}

// SchemaIDBase prefixes the $id of every published request schema.
const SchemaIDBase = "https://castline.dev/schemas/auth/"

func reflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
}

// GenerateSchemas returns the JSON Schema of each auth request body, keyed
// by route name, indented for publishing.
func GenerateSchemas() (map[string][]byte, error) {
	r := reflector()
	out := make(map[string][]byte, len(requestBodies))
	for _, body := range requestBodies {
		schema := r.Reflect(body.req)
		schema.ID = jsonschema.ID(SchemaIDBase + body.name + ".schema.json")
		schema.Title = "castline " + body.name + " request"

		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return nil, oops.Code("SCHEMA_GENERATE_FAILED").With("request", body.name).Wrap(err)
		}
		out[body.name] = data
	}
	return out, nil
}

// schemas holds one compiled schema per request type.
type schemas map[reflect.Type]*jschema.Schema

// compileSchemas reflects a JSON Schema from each request struct and
// compiles it.
func compileSchemas(requests ...any) (schemas, error) {
	r := reflector()
	c := jschema.NewCompiler()
	c.AssertFormat()

	out := make(schemas, len(requests))
	for _, req := range requests {
		t := reflect.TypeOf(req)
		name := t.Name() + ".json"

		data, err := json.Marshal(r.Reflect(req))
		if err != nil {
			return nil, oops.Code("SCHEMA_COMPILE_FAILED").With("request", t.Name()).Wrap(err)
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, oops.Code("SCHEMA_COMPILE_FAILED").With("request", t.Name()).Wrap(err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, oops.Code("SCHEMA_COMPILE_FAILED").With("request", t.Name()).Wrap(err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, oops.Code("SCHEMA_COMPILE_FAILED").With("request", t.Name()).Wrap(err)
		}
		out[t] = sch
	}
	return out, nil
}

// decode reads the request body, validates it against the schema for dst's
// type and unmarshals it into dst. Failures are 400 VALIDATION_ERROR.
func (s schemas) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return failure.Validation("request body too large")
		}
		return failure.Validation("request body could not be read")
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return failure.Validation("request body must be a JSON object")
	}

	sch, ok := s[reflect.TypeOf(dst).Elem()]
	if !ok {
		return oops.Code("SCHEMA_MISSING").With("request", fmt.Sprintf("%T", dst)).Errorf("no schema registered")
	}
	if err := sch.Validate(doc); err != nil {
		var ve *jschema.ValidationError
		if errors.As(err, &ve) {
			return failure.Validation(validationMessages(ve)...)
		}
		return failure.Validation(err.Error())
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return failure.Validation("request body must be a JSON object")
	}
	return nil
}

// validationMessages reports one message per failing leaf of the
// validation tree, prefixed with the offending instance location.
func validationMessages(ve *jschema.ValidationError) []string {
	var msgs []string
	var walk func(e *jschema.ValidationError)
	walk = func(e *jschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, cause := range e.Causes {
				walk(cause)
			}
			return
		}
		msg := e.Error()
		if out := e.BasicOutput(); out.Error != nil {
			msg = out.Error.String()
		}
		msgs = append(msgs, "/"+strings.Join(e.InstanceLocation, "/")+": "+msg)
	}
	walk(ve)
	sort.Strings(msgs)
	return msgs
}
