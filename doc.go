// Package nrs is a component-based message-passing runtime.
//
// A `Component` exposes typed *variables* which talk to each other
// through *links*. Values travel as `message.Message`s, string-keyed
// envelopes with a reserved namespace the runtime uses for addressing.
//
// ## How it works
//
// Every message goes through one of two pipelines assembled by `Create`:
//
//   - outbound: IDStamp, then the transmitter handing it to a `Port`,
//     then Storage caching requests for reply correlation;
//   - inbound: BroadcastHandler relaying broadcasts aimed at others,
//     Router forwarding messages which still have a route to follow,
//     Storage correlating replies, the route manager learning from route
//     replies, the variable manager dispatching to variables and finally
//     the built-in handlers answering queries about the component.
//
// Components are identified by a CID. A route is a comma-separated list
// of `port/address` hops. When a component sends to a CID it has no route
// for, the message is broadcast and a QueryRoute is issued so that the
// next messages go straight to their destination.
//
// ## Ports
//
// Ports are the transport boundary of a component:
//
//   - `LocalPort` connects two components of the same process.
//   - `GossipPort` makes a component a member of a memberlist cluster,
//     every member being reachable in one hop. With `WithRouteSeeding`,
//     members advertising their CID are added to the route table.
//   - `Transport` lets memberlist run over QUIC with mTLS, peers being
//     named after their certificate.
package nrs
