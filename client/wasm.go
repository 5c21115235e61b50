//go:build js && wasm

package client

import (
	"context"
	"encoding/json"
	"syscall/js"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/transport"
)

// RegisterGlobal installs the constructor under globalThis.qollective.
// JS usage:
//
//	const c = qollective.newClient({ rest: { baseUrl: "https://api" } });
//	const reply = await c.send("rest", "qollective.user.get.v1", { id: 1 });
func RegisterGlobal() {
	js.Global().Set("qollective", js.ValueOf(map[string]any{
		"newClient": js.FuncOf(newClientJS),
	}))
}

func newClientJS(_ js.Value, args []js.Value) any {
	if len(args) != 1 {
		return errorValue(&FriendlyError{Code: "CONFIG_INVALID", Message: "newClient takes one config object", RetryPolicy: "none"})
	}

	raw := js.Global().Get("JSON").Call("stringify", args[0]).String()
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		return errorValue(Friendly(err))
	}
	c, err := New(cfg)
	if err != nil {
		return errorValue(Friendly(err))
	}

	return js.ValueOf(map[string]any{
		"send":             js.FuncOf(c.sendJS),
		"sendEnvelope":     js.FuncOf(c.sendEnvelopeJS),
		"listTools":        js.FuncOf(c.listToolsJS),
		"callTool":         js.FuncOf(c.callToolJS),
		"testConnectivity": js.FuncOf(c.testConnectivityJS),
		"close": js.FuncOf(func(js.Value, []js.Value) any {
			_ = c.Close()
			return js.Undefined()
		}),
	})
}

func (c *Client) sendJS(_ js.Value, args []js.Value) any {
	if len(args) != 3 {
		return rejected(&FriendlyError{Code: "VALIDATION_FAILED", Message: "send(protocol, endpoint, payload)", RetryPolicy: "none"})
	}
	protocol := transport.Protocol(args[0].String())
	endpoint := args[1].String()
	payload := stringifyArg(args[2])

	return promise(func() (any, *FriendlyError) {
		reply, ferr := c.Send(context.Background(), protocol, endpoint, json.RawMessage(payload))
		if ferr != nil {
			return nil, ferr
		}
		return parseToJS(reply)
	})
}

func (c *Client) sendEnvelopeJS(_ js.Value, args []js.Value) any {
	if len(args) != 3 {
		return rejected(&FriendlyError{Code: "VALIDATION_FAILED", Message: "sendEnvelope(protocol, endpoint, envelope)", RetryPolicy: "none"})
	}
	protocol := transport.Protocol(args[0].String())
	endpoint := args[1].String()
	raw := stringifyArg(args[2])

	return promise(func() (any, *FriendlyError) {
		env, err := envelope.Decode[json.RawMessage]([]byte(raw))
		if err != nil {
			return nil, Friendly(err)
		}
		reply, ferr := c.SendEnvelope(context.Background(), protocol, endpoint, env)
		if ferr != nil {
			return nil, ferr
		}
		data, err := envelope.Encode(reply)
		if err != nil {
			return nil, Friendly(err)
		}
		return parseToJS(data)
	})
}

func (c *Client) listToolsJS(_ js.Value, _ []js.Value) any {
	return promise(func() (any, *FriendlyError) {
		tools, ferr := c.ListTools(context.Background())
		if ferr != nil {
			return nil, ferr
		}
		data, err := json.Marshal(tools)
		if err != nil {
			return nil, Friendly(err)
		}
		return parseToJS(data)
	})
}

func (c *Client) callToolJS(_ js.Value, args []js.Value) any {
	if len(args) < 1 {
		return rejected(&FriendlyError{Code: "VALIDATION_FAILED", Message: "callTool(name, args)", RetryPolicy: "none"})
	}
	name := args[0].String()
	toolArgs := "{}"
	if len(args) > 1 {
		toolArgs = stringifyArg(args[1])
	}

	return promise(func() (any, *FriendlyError) {
		result, ferr := c.CallTool(context.Background(), name, json.RawMessage(toolArgs))
		if ferr != nil {
			return nil, ferr
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, Friendly(err)
		}
		return parseToJS(data)
	})
}

func (c *Client) testConnectivityJS(_ js.Value, args []js.Value) any {
	if len(args) != 1 {
		return rejected(&FriendlyError{Code: "VALIDATION_FAILED", Message: "testConnectivity(protocol)", RetryPolicy: "none"})
	}
	protocol := transport.Protocol(args[0].String())

	return promise(func() (any, *FriendlyError) {
		if ferr := c.TestConnectivity(context.Background(), protocol); ferr != nil {
			return nil, ferr
		}
		return js.ValueOf(true), nil
	})
}

// stringifyArg accepts either a JS object or an already-serialized
// string.
func stringifyArg(v js.Value) string {
	if v.Type() == js.TypeString {
		return v.String()
	}
	return js.Global().Get("JSON").Call("stringify", v).String()
}

// parseToJS turns raw JSON into a JS object.
func parseToJS(data []byte) (any, *FriendlyError) {
	return js.Global().Get("JSON").Call("parse", string(data)), nil
}

func errorValue(ferr *FriendlyError) js.Value {
	return js.ValueOf(map[string]any{
		"error": map[string]any{
			"code":        ferr.Code,
			"message":     ferr.Message,
			"retryPolicy": ferr.RetryPolicy,
		},
	})
}

// promise runs fn off the event loop and settles a JS Promise with the
// result.
func promise(fn func() (any, *FriendlyError)) js.Value {
	handler := js.FuncOf(func(_ js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]
		go func() {
			value, ferr := fn()
			if ferr != nil {
				reject.Invoke(errorValue(ferr))
				return
			}
			resolve.Invoke(value)
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}

func rejected(ferr *FriendlyError) js.Value {
	return js.Global().Get("Promise").Call("reject", errorValue(ferr))
}
