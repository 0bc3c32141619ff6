// Package render produces the per-cycle tabular fleet snapshot, the
// operator's primary view into what the service is doing.
package render

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/renderfleet/renderfleet/backend/services/utils"
)

// SessionRow is one line of the fleet snapshot.
type SessionRow struct {
	InstanceID  int
	Status      string
	Address     string
	SSHPort     int
	GPU         string
	PricePerHr  float64
	TunnelPort  int
	TunnelPID   int32
	Utilization *float64 // nil until the instance has usage history
}

// FleetTable renders the session snapshot to the given writer.
func FleetTable(w io.Writer, rows []SessionRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Instance", "Status", "Address", "SSH", "GPU", "$/hr", "Tunnel", "PID", "Util"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	for _, row := range rows {
		tunnelPort := "-"
		tunnelPID := "-"
		if row.TunnelPort != 0 {
			tunnelPort = strconv.Itoa(row.TunnelPort)
			tunnelPID = strconv.Itoa(int(row.TunnelPID))
		}

		utilization := "-"
		if row.Utilization != nil {
			utilization = utils.Sprintf("%.2f", *row.Utilization)
		}

		table.Append([]string{
			strconv.Itoa(row.InstanceID),
			row.Status,
			row.Address,
			strconv.Itoa(row.SSHPort),
			row.GPU,
			utils.Sprintf("%.3f", row.PricePerHr),
			tunnelPort,
			tunnelPID,
			utilization,
		})
	}

	table.Render()
}
