// Package gravity evaluates forces for the active particles of one rank.
//
// [Direct] is the softened O(n²) sum. [Walk] traverses a [tree.Source] once
// per active group: a node whose opening radius does not reach the group box
// is applied as a monopole plus quadrupole, otherwise it is opened, and leaf
// particles are summed directly. Walk is called for the local tree and then
// once per remote tree; every kernel adds to Acc1 and Pot1 and never clears
// them, so callers zero the accumulators once per step.
//
// The SPH passes [Density] and [Hydro] reuse the same walk with a
// neighbour-search overlap test in place of the opening test.
package gravity
