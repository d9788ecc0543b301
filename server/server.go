// Package server contains the HTTP plumbing shared by device wrappers:
// route tables over goji patterns, and typed JSON payload shells.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"

	"goji.io"
)

// RouteTable maps goji patterns to HTTP handlers
type RouteTable map[goji.Pattern]http.HandlerFunc

// Endpoints lists the patterns in a RouteTable
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, fmt.Sprint(k))
	}
	return routes
}

// Bind attaches every route in the table to a goji mux
func (rt RouteTable) Bind(mux *goji.Mux) {
	for p, h := range rt {
		mux.Handle(p, h)
	}
}

// HTTPer is an object which exposes a route table of its HTTP handlers
type HTTPer interface {
	RT() RouteTable
}

// FloatT is a json shell for {'f64': value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a json shell for {'int': value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a json shell for {'str': value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a json shell for {'bool': value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types and their human-
// readable equivalents, with a type tag indicating which field is live
type HumanPayload struct {
	// T holds the type of the payload
	T types.BasicKind

	// Bool holds a boolean
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float64
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond writes the payload to w as json with the appropriate
// shell for its type
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var obj interface{}
	switch hp.T {
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("payload type %v not encodable", hp.T), http.StatusInternalServerError)
		return
	}
	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		fstr := fmt.Sprintf("error encoding response to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}
