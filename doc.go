// Package pointflow is the dispatch core of an industrial point store.
//
// Gateways write field values into a point store keyed by
// "namespace:entity:category:field". Every committed write is looked up in a watch index
// and dispatched to the rules that watch the key:
//
//   - Alarm rules compare one value against a threshold and keep one instance per rule,
//     which is created on trigger and cleared when the condition stops holding.
//   - Business rules evaluate AND/OR condition groups and run set_value and notify
//     actions, subject to a cooldown.
//   - Sync rules map source points onto target points through a capture pattern and a
//     template, with direct, numeric, JSON extract and windowed aggregate transforms.
//
// Writes made by rule actions dispatch again. Chains are bounded by a depth limit and a
// per-chain visited set.
//
// # Layout
//
//	cmd/pointflow        binary: flags, logging, wiring
//	core                 rule registry, queries and startup rebuild
//	pointstore           Store, memory and Redis backends
//	watchindex           key to rule reverse index
//	dispatch             write hook and chain guard
//	alarm, businessrule, syncengine
//	events, notify, archive, ingress, rulestore
//	output/{websocket,httppost,file}   event sinks
//
// The rule table lives in a NATS KV bucket, egress events are pumped to NATS, Kafka,
// websocket, HTTP or file sinks, and committed writes can be archived to Kafka.
package pointflow
