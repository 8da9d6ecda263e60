// Package let builds and exchanges locally essential trees.
//
// Each rank summarizes where its groups are with a few union boxes
// ([Describe]). Peers use those boxes to [Select] the part of their own tree
// a remote group could need under the opening criterion, flatten it into a
// single word buffer ([Encode]) and ship it. Received buffers land in
// double-buffered [Slot]s and are walked on the gravity stream like any
// other tree.
//
// Buffer layout, in float64 words:
//
//	header   nParticles nNodes nodeOffset topBegin topEnd
//	bodies   x y z m                          (nParticles)
//	boxes    hx hy hz firstChild nChild level (nNodes, starts at nodeOffset)
//	centers  cx cy cz begin end               (nNodes)
//	poles    m comx comy comz q0..q5 openR2   (nNodes)
package let
