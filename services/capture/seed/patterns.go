// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package seed

import (
	"sort"
	"time"
)

// Pattern names.
const (
	PatternLinear    = "linear"
	PatternFanout    = "fanout"
	PatternDiamond   = "diamond"
	PatternEcommerce = "ecommerce"
)

// node is one hop in a call tree.
type node struct {
	service   string
	operation string
	latency   time.Duration // median self latency
	children  []*node
}

func leaf(service, op string, latency time.Duration) *node {
	return &node{service: service, operation: op, latency: latency}
}

func call(service, op string, latency time.Duration, children ...*node) *node {
	return &node{service: service, operation: op, latency: latency, children: children}
}

// topology is the set of call trees a pattern draws from. Each trace picks
// one tree.
type topology []*node

var patterns = map[string]func() topology{
	PatternLinear: func() topology {
		return topology{
			call("gateway", "GET /api/items", 2*time.Millisecond,
				call("items", "ListItems", 5*time.Millisecond,
					leaf("postgres", "SELECT items", 8*time.Millisecond))),
		}
	},
	PatternFanout: func() topology {
		return topology{
			call("aggregator", "GET /dashboard", 3*time.Millisecond,
				leaf("users", "GetUser", 6*time.Millisecond),
				leaf("orders", "ListOrders", 12*time.Millisecond),
				leaf("recommendations", "GetRecommendations", 20*time.Millisecond),
				leaf("ads", "GetAds", 9*time.Millisecond)),
		}
	},
	PatternDiamond: func() topology {
		return topology{
			call("frontend", "GET /quote", 2*time.Millisecond,
				call("pricing", "GetPrice", 4*time.Millisecond,
					leaf("inventory", "GetStock", 7*time.Millisecond)),
				call("availability", "CheckAvailability", 4*time.Millisecond,
					leaf("inventory", "GetStock", 7*time.Millisecond))),
		}
	},
	PatternEcommerce: func() topology {
		return topology{
			call("frontend", "GET /product", 3*time.Millisecond,
				leaf("productcatalogservice", "GetProduct", 4*time.Millisecond),
				leaf("currencyservice", "Convert", 2*time.Millisecond),
				leaf("recommendationservice", "ListRecommendations", 10*time.Millisecond)),
			call("frontend", "POST /cart", 3*time.Millisecond,
				call("cartservice", "AddItem", 5*time.Millisecond,
					leaf("valkey-cart", "HSET", 1*time.Millisecond))),
			call("frontend", "POST /cart/checkout", 4*time.Millisecond,
				call("checkoutservice", "PlaceOrder", 8*time.Millisecond,
					call("cartservice", "GetCart", 3*time.Millisecond,
						leaf("valkey-cart", "HGETALL", 1*time.Millisecond)),
					leaf("currencyservice", "Convert", 2*time.Millisecond),
					leaf("paymentservice", "Charge", 15*time.Millisecond),
					leaf("shippingservice", "ShipOrder", 6*time.Millisecond),
					leaf("emailservice", "SendOrderConfirmation", 9*time.Millisecond))),
		}
	},
}

// Patterns returns the supported pattern names, sorted.
func Patterns() []string {
	out := make([]string, 0, len(patterns))
	for name := range patterns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
