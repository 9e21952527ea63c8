/*Package archive writes acceptance test data to an HDF5 file.

The file is laid out as a tree of groups, one per test phase (meta, evr,
step, ramp, steady_state), each holding named float64 datasets.  Dataset
names are PV names with colons swapped for underscores so they are legal
HDF5 path components.  The file is created once at the start of a run,
written incrementally, and closed exactly once at the end.
*/
package archive

import (
	"strings"
	"time"

	"gonum.org/v1/hdf5"
)

// Generator identifies this program in the archive metadata
const Generator = "psbench"

// Archive is an open HDF5 file for one test run
type Archive struct {
	f      *hdf5.File
	groups map[string]*hdf5.Group
	closed bool
}

// Create makes a new HDF5 archive at path.  The lab string (e.g. "lab{2}")
// and a generation timestamp are recorded as root-level string datasets so
// the file is self-describing.
func Create(path string, lab string) (*Archive, error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, err
	}
	a := &Archive{f: f, groups: map[string]*hdf5.Group{}}
	for _, meta := range [][2]string{
		{"generated_by", Generator},
		{"lab", lab},
		{"generated_at", time.Now().Format(time.RFC3339)}} {
		err = a.writeString(nil, meta[0], meta[1])
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	return a, nil
}

// SafeName converts a PV name to a legal dataset name, e.g.
// "lab{2}Chan1:USR:DCCT1-Wfm" => "lab{2}Chan1_USR_DCCT1-Wfm"
func SafeName(pv string) string {
	return strings.Replace(pv, ":", "_", -1)
}

// group returns the group at path ("step/Chan1"), creating intermediate
// groups as needed and caching the handles for the life of the archive
func (a *Archive) group(path string) (*hdf5.Group, error) {
	if g, ok := a.groups[path]; ok {
		return g, nil
	}
	var (
		g   *hdf5.Group
		err error
	)
	pieces := strings.Split(path, "/")
	key := ""
	for _, piece := range pieces {
		if key == "" {
			key = piece
		} else {
			key = key + "/" + piece
		}
		if cached, ok := a.groups[key]; ok {
			g = cached
			continue
		}
		if g == nil {
			g, err = a.f.CreateGroup(piece)
		} else {
			g, err = g.CreateGroup(piece)
		}
		if err != nil {
			return nil, err
		}
		a.groups[key] = g
	}
	return g, nil
}

// WriteArray writes data as a dataset at <group>/<name>.  group may be
// nested ("step/Chan1").
func (a *Archive) WriteArray(group, name string, data []float64) error {
	g, err := a.group(group)
	if err != nil {
		return err
	}
	dspace, err := hdf5.CreateSimpleDataspace([]uint{uint(len(data))}, nil)
	if err != nil {
		return err
	}
	defer dspace.Close()
	dset, err := g.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, dspace)
	if err != nil {
		return err
	}
	defer dset.Close()
	return dset.Write(&data)
}

// writeString writes a scalar string dataset on g, or at the file root if
// g is nil
func (a *Archive) writeString(g *hdf5.Group, name, value string) error {
	dspace, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer dspace.Close()
	var dset *hdf5.Dataset
	if g == nil {
		dset, err = a.f.CreateDataset(name, hdf5.T_GO_STRING, dspace)
	} else {
		dset, err = g.CreateDataset(name, hdf5.T_GO_STRING, dspace)
	}
	if err != nil {
		return err
	}
	defer dset.Close()
	return dset.Write(&value)
}

// WriteString writes a scalar string dataset at <group>/<name>, used for
// the device configuration readouts under meta/
func (a *Archive) WriteString(group, name, value string) error {
	g, err := a.group(group)
	if err != nil {
		return err
	}
	return a.writeString(g, name, value)
}

// Close flushes the archive to disk.  Safe to call more than once.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	for _, g := range a.groups {
		g.Close()
	}
	return a.f.Close()
}
