package track

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// WriteCSV writes trajectories as `id;state;track` rows where track is `x,y|x,y|...`
func WriteCSV(w io.Writer, trajectories []Snapshot) error {
	writer := csv.NewWriter(w)
	writer.Comma = ';'

	err := writer.Write([]string{"id", "state", "track"})
	if err != nil {
		return errors.Wrap(err, "Can't write CSV header")
	}
	for _, traj := range trajectories {
		data := make([]string, len(traj.Points))
		for idx, pt := range traj.Points {
			data[idx] = fmt.Sprintf("%f,%f", pt.Position.X, pt.Position.Y)
		}
		dataStr := strings.Join(data, "|")
		err = writer.Write([]string{fmt.Sprintf("%d", traj.ID), traj.State.String(), dataStr})
		if err != nil {
			return errors.Wrapf(err, "Can't write trajectory %d", traj.ID)
		}
	}
	writer.Flush()
	return errors.Wrap(writer.Error(), "Can't flush CSV")
}
