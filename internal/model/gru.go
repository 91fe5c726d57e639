package model

import (
	"gorgonia.org/gorgonia"
)

// gru holds the weights of a gated recurrent unit with separate reset (r),
// update (u) and candidate (n) gates:
//
//	r  = σ(x·Wr + h·Ur + br)
//	u  = σ(x·Wu + h·Uu + bu)
//	n  = tanh(x·Wn + r ⊙ (h·Un) + bn)
//	h' = n + u ⊙ (h − n)
type gru struct {
	wr, wu, wn *gorgonia.Node
	ur, uu, un *gorgonia.Node
	br, bu, bn *gorgonia.Node
}

func (m *RNNVAE) newGRU(scope string, in, hidden int) gru {
	return gru{
		wr: m.weight(scope+".w_r", in, hidden),
		wu: m.weight(scope+".w_u", in, hidden),
		wn: m.weight(scope+".w_n", in, hidden),
		ur: m.weight(scope+".u_r", hidden, hidden),
		uu: m.weight(scope+".u_u", hidden, hidden),
		un: m.weight(scope+".u_n", hidden, hidden),
		br: m.bias(scope+".b_r", hidden),
		bu: m.bias(scope+".b_u", hidden),
		bn: m.bias(scope+".b_n", hidden),
	}
}

// affine computes x·w + b with b broadcast over the rows of x.
func affine(x, w, b *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(xw, b, nil, []byte{0})
}

func gate(x, w, h, u, b *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := affine(x, w, b)
	if err != nil {
		return nil, err
	}
	hu, err := gorgonia.Mul(h, u)
	if err != nil {
		return nil, err
	}
	pre, err := gorgonia.Add(xw, hu)
	if err != nil {
		return nil, err
	}
	return gorgonia.Sigmoid(pre)
}

// step advances the recurrence by one time step for a whole batch.
func (l gru) step(x, h *gorgonia.Node) (*gorgonia.Node, error) {
	r, err := gate(x, l.wr, h, l.ur, l.br)
	if err != nil {
		return nil, err
	}
	u, err := gate(x, l.wu, h, l.uu, l.bu)
	if err != nil {
		return nil, err
	}

	xn, err := affine(x, l.wn, l.bn)
	if err != nil {
		return nil, err
	}
	hn, err := gorgonia.Mul(h, l.un)
	if err != nil {
		return nil, err
	}
	rhn, err := gorgonia.HadamardProd(r, hn)
	if err != nil {
		return nil, err
	}
	pre, err := gorgonia.Add(xn, rhn)
	if err != nil {
		return nil, err
	}
	n, err := gorgonia.Tanh(pre)
	if err != nil {
		return nil, err
	}

	diff, err := gorgonia.Sub(h, n)
	if err != nil {
		return nil, err
	}
	ud, err := gorgonia.HadamardProd(u, diff)
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(n, ud)
}
