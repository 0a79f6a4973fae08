// Package emit writes the text output files spec.md §6 lists, each
// with mode 0766 so downstream tools can rewrite them (the teacher's
// own new_bufio_writer/os.Create convention, misc.go, generalized here
// to the permission spec.md requires).
package emit

import (
	"bufio"
	"fmt"
	"os"

	"github.com/jefgrailet/sage/internal/alias"
	"github.com/jefgrailet/sage/internal/dictionary"
	"github.com/jefgrailet/sage/internal/graph"
	"github.com/jefgrailet/sage/internal/subnet"
	"github.com/jefgrailet/sage/internal/voyager"
)

// create opens path truncated for writing at mode 0766.
func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0766)
}

func newWriter(path string) (*bufio.Writer, *os.File, error) {
	f, err := create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("[emit]: %w", err)
	}
	return bufio.NewWriter(f), f, nil
}

func finish(w *bufio.Writer, f *os.File) error {
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("[emit]: %w", err)
	}
	return f.Close()
}

// IPs writes <label>.ips: one dictionary entry per line.
func IPs(path string, dict *dictionary.Dictionary) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	dict.All(func(e *dictionary.Entry) {
		flags := entryFlags(e)
		blindspot := ""
		if e.Blindspot {
			blindspot = " [blindspot]"
		}
		fmt.Fprintf(w, "%s\tTTL=%d\t%s\tobserved=%v%s%s\n", e.IP, e.TTL, e.Trail, e.TTLs, flags, blindspot)
	})
	return finish(w, f)
}

func entryFlags(e *dictionary.Entry) string {
	var flags string
	if e.TrailIP {
		flags += " trail-ip"
	}
	if e.Warping {
		flags += " warping"
	}
	if e.Flickering {
		flags += " flickering"
	}
	if e.Echoing {
		flags += " echoing"
	}
	if e.DenotingNeighborhood {
		flags += " denotes-neighborhood"
	}
	if flags == "" {
		return ""
	}
	return "\t[" + flags[1:] + "]"
}

// Subnets writes <label>.subnets: one block per subnet.
func Subnets(path string, subnets []*subnet.Subnet) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	for _, s := range subnets {
		fmt.Fprintf(w, "%s\n", s)
		for _, ifc := range s.Interfaces {
			fmt.Fprintf(w, "%d - %s - %s - %s\n", ifc.Entry.TTL, ifc.Entry.IP, ifc.Entry.Trail, ifc.Status)
		}
		if s.StopDescription != "" {
			fmt.Fprintf(w, "# %s\n", s.StopDescription)
		}
		fmt.Fprintln(w)
	}
	return finish(w, f)
}

// Hints writes <label>.hints: every IP carrying collected alias hints.
func Hints(path string, dict *dictionary.Dictionary) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	dict.All(func(e *dictionary.Entry) {
		for _, h := range e.AllHints {
			fmt.Fprintf(w, "%s\tstage=%d\tcounter=%d\tvelocity=[%.2f,%.2f]\tdns=%q\ttimestamp=%v\n",
				e.IP, h.Stage, h.IPIDCounterClass, h.VelocityLower, h.VelocityUpper, h.ReverseDNS, h.RepliesToTimestamp)
		}
	})
	return finish(w, f)
}

// Fingerprints writes <label>.fingerprints: IP plus its latest
// fingerprint tuple (at whatever stage its hints were last collected).
func Fingerprints(path string, dict *dictionary.Dictionary) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	dict.All(func(e *dictionary.Entry) {
		if e.ARHints == nil {
			return
		}
		fp := alias.Of(e.ARHints, e.ARHints.Stage)
		fmt.Fprintf(w, "%s\t%+v\n", e.IP, fp)
	})
	return finish(w, f)
}

// Aliases writes one of <label>.aliases-1/-2/-f: one alias per line.
func Aliases(path string, set *alias.Set) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	if set != nil {
		for _, a := range set.Aliases {
			for i, ip := range a.IPs {
				if i > 0 {
					w.WriteByte(' ')
				}
				w.WriteString(ip.String())
			}
			w.WriteByte('\n')
		}
	}
	return finish(w, f)
}

// Peers writes <label>.peers: per-interface partial routes.
func Peers(path string, subnets []*subnet.Subnet) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	for _, s := range subnets {
		for ip, route := range s.PartialRoutes {
			fmt.Fprintf(w, "%s (%s):", ip, s)
			for _, hop := range route {
				fmt.Fprintf(w, " %s", hopString(hop))
			}
			w.WriteByte('\n')
		}
	}
	return finish(w, f)
}

func hopString(h dictionary.RouteHop) string {
	switch h.State {
	case dictionary.RouteHopAnonymous:
		return "*"
	case dictionary.RouteHopPeeringPoint:
		return h.IP.String() + "[peering]"
	case dictionary.RouteHopViaTraceroute:
		return h.IP.String()
	default:
		return "?"
	}
}

// Neighborhoods writes <label>.neighborhoods: every vertex with its
// full label and peer list, in Mariner's ID order.
func Neighborhoods(path string, g *graph.Graph) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	for _, v := range voyager.Mariner(g) {
		fmt.Fprintf(w, "#%d %s peers=%s\n", v.ID, vertexLabel(v), peerIDs(v))
	}
	return finish(w, f)
}

func vertexLabel(v *graph.Vertex) string {
	kind := "Node"
	if v.Kind == graph.Cluster {
		kind = "Cluster"
	}
	return fmt.Sprintf("%s subnets=%d aliases=%s", kind, len(v.Subnets), aliasSummary(v))
}

func aliasSummary(v *graph.Vertex) string {
	if v.Aliases == nil {
		return "-"
	}
	return fmt.Sprintf("%d", len(v.Aliases.Aliases))
}

func peerIDs(v *graph.Vertex) string {
	s := ""
	for i, p := range v.Peers {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", p.ID)
	}
	return s
}

// Graph writes <label>.graph: labels, edges tail->head, and
// deduplicated remote-edge routes.
func Graph(path string, g *graph.Graph) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	for _, v := range voyager.Mariner(g) {
		fmt.Fprintf(w, "#%d %s\n", v.ID, vertexLabel(v))
	}
	for _, v := range voyager.Mariner(g) {
		for _, e := range v.Edges {
			fmt.Fprintf(w, "%d -> %d [%s]\n", e.Tail.ID, e.Head.ID, edgeKindString(e.Kind))
			for _, route := range e.Routes {
				fmt.Fprint(w, "  route:")
				for _, hop := range route {
					fmt.Fprintf(w, " %s", hopString(hop))
				}
				w.WriteByte('\n')
			}
		}
	}
	return finish(w, f)
}

func edgeKindString(k graph.EdgeKind) string {
	switch k {
	case graph.Direct:
		return "direct"
	case graph.Indirect:
		return "indirect"
	default:
		return "remote"
	}
}

// Metrics writes <label>.metrics: Cassini's report.
func Metrics(path string, m *voyager.Metrics) error {
	w, f, err := newWriter(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "in-degree: max=%d avg=%.2f ids=%v\n", m.InDegree.Max, m.InDegree.Average, m.InDegree.MaxIDs)
	fmt.Fprintf(w, "out-degree: max=%d avg=%.2f ids=%v\n", m.OutDegree.Max, m.OutDegree.Average, m.OutDegree.MaxIDs)
	fmt.Fprintf(w, "total-degree: max=%d avg=%.2f ids=%v\n", m.TotalDegree.Max, m.TotalDegree.Average, m.TotalDegree.MaxIDs)
	fmt.Fprintf(w, "subnet-coverage: %d\n", m.SubnetCoverage)
	fmt.Fprintf(w, "aliases: count=%d vertices=%d avg-size=%.2f\n", m.TotalAliases, m.AliasedVertices, m.AverageAliasSize)
	fmt.Fprintf(w, "edges: direct=%d indirect=%d remote=%d\n", m.DirectEdges, m.IndirectEdges, m.RemoteEdges)
	fmt.Fprintf(w, "components: count=%d largest=%d\n", m.ConnectedComponents, m.LargestComponent)
	fmt.Fprintf(w, "depth: max=%d by-gate=%v\n", m.MaxDepth, m.DepthByGate)
	return finish(w, f)
}
