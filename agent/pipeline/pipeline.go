package pipeline

import (
	"sort"

	"github.com/pkg/errors"
)

// Pipeline is the validated service DAG. Regular services plus the input
// and responder nodes form the graph; last-chance and timeout services sit
// outside it and are dispatched explicitly by the agent.
type Pipeline struct {
	Input      *Service
	Responder  *Service
	LastChance *Service
	Timeout    *Service

	services map[string]*Service
	ordered  []*Service // topological rank then name
}

// New validates and links the graph. Predecessor edges come from both
// previous and required_previous declarations; the responder is wired after
// every terminal node. Unknown predecessor names, duplicate service names,
// missing input/responder tags and cycles are construction errors.
func New(services []*Service, input, responder, lastChance, timeout *Service) (*Pipeline, error) {
	if input == nil || !input.IsInput() {
		return nil, errors.New("pipeline requires a service tagged input")
	}
	if responder == nil || !responder.IsResponder() {
		return nil, errors.New("pipeline requires a service tagged responder")
	}

	p := &Pipeline{
		Input:      input,
		Responder:  responder,
		LastChance: lastChance,
		Timeout:    timeout,
		services:   make(map[string]*Service, len(services)+2),
	}
	for _, s := range append([]*Service{input, responder}, services...) {
		if _, dup := p.services[s.Name]; dup {
			return nil, errors.Errorf("duplicate service name %q", s.Name)
		}
		p.services[s.Name] = s
	}

	for _, s := range p.services {
		for name := range union(s.Previous, s.RequiredPrevious) {
			if name == s.Name {
				return nil, errors.Errorf("service %q lists itself as predecessor", s.Name)
			}
			prev, ok := p.services[name]
			if !ok {
				return nil, errors.Errorf("service %q references unknown predecessor %q", s.Name, name)
			}
			prev.next = append(prev.next, s)
		}
	}

	// The responder fires after every terminal node.
	if len(responder.Previous) == 0 && len(responder.RequiredPrevious) == 0 {
		for _, s := range p.services {
			if s == responder || len(s.next) > 0 {
				continue
			}
			responder.Previous[s.Name] = true
			s.next = append(s.next, responder)
		}
	}

	if err := p.rankAndCheckAcyclic(); err != nil {
		return nil, err
	}
	p.linkDependents()

	for _, s := range p.services {
		sortServices(s.next)
		sortServices(s.dependents)
	}
	return p, nil
}

// Service looks a node up by name; last-chance and timeout services are
// resolvable too.
func (p *Pipeline) Service(name string) *Service {
	if s, ok := p.services[name]; ok {
		return s
	}
	if p.LastChance != nil && p.LastChance.Name == name {
		return p.LastChance
	}
	if p.Timeout != nil && p.Timeout.Name == name {
		return p.Timeout
	}
	return nil
}

// Services returns the graph nodes in deterministic order.
func (p *Pipeline) Services() []*Service { return p.ordered }

// NextServices returns every service that is ready to run: not yet seen in
// done, waiting or skipped; all required predecessors done; all plain
// predecessors either done or skipped. The order is deterministic
// (topological rank, then name) though the result is semantically a set.
func (p *Pipeline) NextServices(done, waiting, skipped map[string]bool) []*Service {
	var next []*Service
	for _, s := range p.ordered {
		if done[s.Name] || waiting[s.Name] || skipped[s.Name] {
			continue
		}
		ready := true
		for name := range s.RequiredPrevious {
			if !done[name] {
				ready = false
				break
			}
		}
		if ready {
			for name := range s.Previous {
				if !done[name] && !skipped[name] {
					ready = false
					break
				}
			}
		}
		if ready {
			next = append(next, s)
		}
	}
	return next
}

// rankAndCheckAcyclic runs Kahn's algorithm over the predecessor edges,
// assigning the topological rank used for deterministic ordering.
func (p *Pipeline) rankAndCheckAcyclic() error {
	inDegree := make(map[string]int, len(p.services))
	for _, s := range p.services {
		inDegree[s.Name] = len(union(s.Previous, s.RequiredPrevious))
	}

	var frontier []*Service
	for _, s := range p.services {
		if inDegree[s.Name] == 0 {
			frontier = append(frontier, s)
		}
	}
	sortServices(frontier)

	rank, seen := 0, 0
	for len(frontier) > 0 {
		var next []*Service
		for _, s := range frontier {
			s.rank = rank
			seen++
			for _, t := range s.next {
				inDegree[t.Name]--
				if inDegree[t.Name] == 0 {
					next = append(next, t)
				}
			}
		}
		sortServices(next)
		frontier = next
		rank++
	}
	if seen != len(p.services) {
		return errors.New("pipeline graph has a cycle")
	}

	p.ordered = make([]*Service, 0, len(p.services))
	for _, s := range p.services {
		p.ordered = append(p.ordered, s)
	}
	sort.Slice(p.ordered, func(i, j int) bool {
		if p.ordered[i].rank != p.ordered[j].rank {
			return p.ordered[i].rank < p.ordered[j].rank
		}
		return p.ordered[i].Name < p.ordered[j].Name
	})
	return nil
}

// linkDependents computes the transitive downstream closure of every node.
func (p *Pipeline) linkDependents() {
	// Reverse topological order guarantees each node's successors are
	// already closed over.
	for i := len(p.ordered) - 1; i >= 0; i-- {
		s := p.ordered[i]
		closure := map[string]*Service{}
		for _, t := range s.next {
			closure[t.Name] = t
			for _, d := range t.dependents {
				closure[d.Name] = d
			}
		}
		s.dependents = make([]*Service, 0, len(closure))
		for _, t := range closure {
			s.dependents = append(s.dependents, t)
		}
	}
}

func union(a, b map[string]bool) map[string]bool {
	u := make(map[string]bool, len(a)+len(b))
	for k := range a {
		u[k] = true
	}
	for k := range b {
		u[k] = true
	}
	return u
}

func sortServices(ss []*Service) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].rank != ss[j].rank {
			return ss[i].rank < ss[j].rank
		}
		return ss[i].Name < ss[j].Name
	})
}
