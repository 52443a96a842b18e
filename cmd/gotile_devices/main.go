// gotile_devices lists the devices an executor could attach to and the cache
// keys a module would compile under on each of them.
//
// By default it enumerates the host CPU fallback device. Simulated devices
// are added with -sim_devices, e.g.:
//
//	gotile_devices -sim_devices=2 -sim_ipus=4 -sim_tiles=1472
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gotile/gotile/driver"
	"k8s.io/klog/v2"
)

var (
	flagSimDevices = flag.Int("sim_devices", 0, "Number of simulated devices to enumerate in addition to the host CPU.")
	flagSimIPUs    = flag.Int("sim_ipus", 1, "Number of IPUs per simulated device.")
	flagSimTiles   = flag.Int("sim_tiles", 4, "Number of tiles per IPU of the simulated devices.")
	flagAttach     = flag.Bool("attach", false, "Attach to each device in turn, to verify they can be acquired.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == 1:
				s = headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %v. See 'gotile_devices -help'.", flag.Args())
		os.Exit(1)
	}

	devices := []*driver.Device{driver.NewDevice(driver.CPUTarget())}
	for range *flagSimDevices {
		devices = append(devices, driver.NewDevice(driver.SimTarget(*flagSimIPUs, *flagSimTiles)))
	}
	manager := driver.NewDeviceManager(devices...)

	table := newTable()
	table.Row("#", "Type", "IPUs", "Tiles", "Memory/Tile", "Total Memory", "Workers", "Target Hash")
	for i, device := range manager.All() {
		target := device.Target()
		totalMemory := uint64(target.BytesPerTile) * uint64(target.NumTiles)
		table.Row(
			fmt.Sprintf("%d", i),
			target.Type.String(),
			fmt.Sprintf("%d", target.NumIPUs),
			fmt.Sprintf("%d", target.NumTiles),
			humanize.IBytes(uint64(target.BytesPerTile)),
			humanize.IBytes(totalMemory),
			fmt.Sprintf("%d", target.NumWorkerContexts),
			fmt.Sprintf("%016x", target.Hash()),
		)
	}
	fmt.Println(table.Render())

	if *flagAttach {
		for i, device := range manager.All() {
			if device.Attach() {
				fmt.Printf("device %d (%s): attached ok\n", i, device.Target())
				device.Detach()
			} else {
				fmt.Printf("device %d (%s): busy\n", i, device.Target())
			}
		}
	}
}
