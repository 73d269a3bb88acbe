/*package lib contains the pieces of darter shared by every mode of the
command line tool: configuration parsing, error reporting, and thread setup.
Almost all of the heavy lifting is done by lib/'s subpackages: the mesh
lives in lib/grid, the ranks in lib/comm, and the particles themselves in
lib/particles.
*/
package lib

var (
	// Version is the version of the software. This can potentially be used
	// to differentiate between breaking changes to the archive formats.
	Version uint64 = 0x1
)
