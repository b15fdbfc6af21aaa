package main

import (
	"fmt"

	"tapestry/internal/agent"
)

// registerStubProviders wires the demo providers the CLI ships with.
// Real deployments register their own (financial calculators, data
// fetchers, LLM-backed reasoners) through the same interface.
func registerStubProviders(rt *agent.Runtime) {
	// Static market data, keyed by symbol. Stands in for an external
	// data-source client.
	quotes := map[string]float64{
		"ACME": 104.25,
		"GLOB": 48.10,
		"INIT": 12.74,
	}
	_ = rt.Register("static-market-data",
		[]agent.Capability{agent.CapabilityDataFetch},
		agent.HandlerFunc(func(req agent.Request) (agent.Response, error) {
			symbol, _ := req["symbol"].(string)
			price, ok := quotes[symbol]
			if !ok {
				return nil, fmt.Errorf("unknown symbol: %q", symbol)
			}
			return agent.Response{"symbol": symbol, "price": price, "source": "static"}, nil
		}))

	// Basic arithmetic provider. Anything beyond aggregates lives outside
	// the core by design.
	_ = rt.Register("arithmetic",
		[]agent.Capability{agent.CapabilityCompute},
		agent.HandlerFunc(func(req agent.Request) (agent.Response, error) {
			a, aok := req["a"].(float64)
			b, bok := req["b"].(float64)
			op, _ := req["op"].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("operands a and b must be numbers")
			}
			var result float64
			switch op {
			case "add", "":
				result = a + b
			case "sub":
				result = a - b
			case "mul":
				result = a * b
			case "div":
				if b == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				result = a / b
			default:
				return nil, fmt.Errorf("unsupported op: %q", op)
			}
			return agent.Response{"result": result, "op": op}, nil
		}))
}
