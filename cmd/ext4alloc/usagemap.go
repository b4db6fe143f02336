package main

import (
	"fmt"
	"image"
	"image/color"

	"github.com/diskfs/go-ext4alloc/filesystem/ext4"
	"github.com/fogleman/gg"
	"github.com/spf13/cobra"
)

const (
	mapMargin     = 10
	mapHeader     = 30
	mapLabelWidth = 80
	mapGroupGap   = 8
	// height of the built in 7x13 font
	mapLabelHeight = 13
)

var (
	colorOverhead = color.RGBA{0x33, 0x4d, 0x66, 0xff}
	colorUsed     = color.RGBA{0x66, 0x99, 0xff, 0xff}
	colorFree     = color.RGBA{0xe6, 0xe6, 0xe6, 0xff}
)

// usageLayout puts one cell per block, wrapping every group after columns cells
type usageLayout struct {
	cell, columns int
	groupTop      []int
	width, height int
}

func newUsageLayout(groups []*ext4.GroupUsage, cell, columns int) usageLayout {
	l := usageLayout{cell: cell, columns: columns}
	y := mapMargin + mapHeader
	for _, g := range groups {
		l.groupTop = append(l.groupTop, y)
		rows := (len(g.InUse) + columns - 1) / columns
		y += max(rows*cell, mapLabelHeight) + mapGroupGap
	}
	l.width = 2*mapMargin + mapLabelWidth + columns*cell
	l.height = y - mapGroupGap + mapMargin
	return l
}

// cellOrigin is the top left pixel of block index of group
func (l usageLayout) cellOrigin(group, index int) (int, int) {
	return mapMargin + mapLabelWidth + index%l.columns*l.cell, l.groupTop[group] + index/l.columns*l.cell
}

func renderUsage(title string, groups []*ext4.GroupUsage, l usageLayout) image.Image {
	dc := gg.NewContext(l.width, l.height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(title, mapMargin, mapMargin+mapHeader/2, 0, 0.5)

	// a pixel of space between cells once they are big enough to show it
	size := float64(l.cell)
	if l.cell > 2 {
		size--
	}
	for gi, g := range groups {
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(fmt.Sprintf("group %d", g.Index), mapMargin, float64(l.groupTop[gi]), 0, 1)
		for i, used := range g.InUse {
			switch {
			case i < int(g.Overhead):
				dc.SetColor(colorOverhead)
			case used:
				dc.SetColor(colorUsed)
			default:
				dc.SetColor(colorFree)
			}
			x, y := l.cellOrigin(gi, i)
			dc.DrawRectangle(float64(x), float64(y), size, size)
			dc.Fill()
		}
	}
	return dc.Image()
}

func (a *app) usageMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage-map IMAGE OUTPUT",
		Short: "Draw the block bitmaps of every group as a PNG",
		Long: `usage-map draws one cell per block, one band per block group: group metadata in
dark blue, allocated blocks in light blue and free blocks in grey. Groups not yet
initialized are drawn from their descriptor without being initialized.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cell := a.v.GetInt("usage-map.cell-size")
			columns := a.v.GetInt("usage-map.columns")
			if cell < 1 || columns < 1 {
				return fmt.Errorf("cell size %d and columns %d must be positive", cell, columns)
			}
			return a.withFilesystem(args[0], false, func(fs *ext4.FileSystem) error {
				var groups []*ext4.GroupUsage
				for g := uint32(0); g < fs.GroupCount(); g++ {
					usage, err := fs.BlockUsage(g)
					if err != nil {
						return err
					}
					groups = append(groups, usage)
				}
				title := fmt.Sprintf("%s: %d of %d blocks free", fs.Label(), fs.FreeBlocksCount(), fs.BlocksCount())
				img := renderUsage(title, groups, newUsageLayout(groups, cell, columns))
				if err := gg.SavePNG(args[1], img); err != nil {
					return fmt.Errorf("could not write %s: %w", args[1], err)
				}
				b := img.Bounds()
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d, %d groups\n", args[1], b.Dx(), b.Dy(), len(groups))
				return nil
			})
		},
	}
	cmd.Flags().Int("cell-size", 4, "pixels per block")
	cmd.Flags().Int("columns", 128, "blocks per row")
	_ = a.v.BindPFlag("usage-map.cell-size", cmd.Flags().Lookup("cell-size"))
	_ = a.v.BindPFlag("usage-map.columns", cmd.Flags().Lookup("columns"))
	return cmd
}
