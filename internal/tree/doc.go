// Package tree builds the Barnes-Hut octree over a rank's particles.
//
// Particles are ordered along a Morton curve (21 bits per axis) inside a
// global cube shared by every rank, then split breadth-first so that the
// nodes of each level are contiguous in [Tree.Nodes]. Each node carries a
// tight bounding box and a [Multipole] (mass, centre of mass, second moment
// and squared opening radius). Leaves tile the particle range.
//
// [Refresh] recomputes boxes and multipoles from the predicted positions
// without changing membership; it runs after every build and on the
// iterations between rebuilds.
package tree
