// Package rabbit runs the broker side of the orchestrator: the agent
// gateway feeding service responses and channel utterances into the agent
// loop, the service gateway hosting a remote service with request
// batching, and the channel gateway bridging a chat frontend.
package rabbit

// DefaultNamespace prefixes every exchange and queue name so several
// deployments can share one broker.
const DefaultNamespace = "conductor"

// inExchange carries messages toward agents: service responses and
// channel utterances.
func inExchange(ns string) string { return ns + "_e_in" }

// outExchange carries messages away from agents: service tasks and
// channel replies.
func outExchange(ns string) string { return ns + "_e_out" }

func agentRoutingKey(agent string) string { return "agent." + agent }

func serviceAnyKey(service string) string { return "service." + service + ".any" }

func serviceInstanceKey(service, instance string) string {
	return "service." + service + ".instance." + instance
}

func channelAnyKey(agent, channel string) string {
	return "agent." + agent + ".channel." + channel + ".any"
}

func agentQueue(ns, agent string) string { return ns + "_q_agent_" + agent }

func serviceQueue(ns, service string) string { return ns + "_q_service_" + service }

func channelQueue(ns, agent, channel string) string {
	return ns + "_" + agent + "_q_channel_" + channel
}
