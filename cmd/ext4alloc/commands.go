package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/diskfs/go-ext4alloc"
	"github.com/diskfs/go-ext4alloc/filesystem/compression"
	"github.com/diskfs/go-ext4alloc/filesystem/ext4"
	"github.com/djherbis/times"
	"github.com/spf13/cobra"
)

func parseInode(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid inode number %q: %w", s, err)
	}
	return uint32(n), nil
}

func (a *app) mkfsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkfs IMAGE",
		Short: "Format an image file or device",
		Long:  "Format IMAGE as ext4. With --size a new image file of that size is created first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := a.v
			var (
				d   *diskfs.Disk
				err error
			)
			if size := v.GetInt64("mkfs.size"); size > 0 {
				d, err = diskfs.Create(args[0], size, diskfs.WithLogger(a.log))
			} else {
				d, err = diskfs.Open(args[0], diskfs.WithLogger(a.log))
			}
			if err != nil {
				return err
			}
			defer d.Close()

			p := &ext4.Params{
				BlockSize:      v.GetUint32("mkfs.block-size"),
				BlocksPerGroup: v.GetUint32("mkfs.blocks-per-group"),
				InodesPerGroup: v.GetUint32("mkfs.inodes-per-group"),
				InodeSize:      uint16(v.GetUint32("mkfs.inode-size")),
				VolumeName:     v.GetString("mkfs.label"),
				LazyInit:       v.GetBool("mkfs.lazy-init"),
				Features: []ext4.FeatureOpt{
					ext4.WithFeatureExtents(v.GetBool("mkfs.extents")),
					ext4.WithFeatureGDTChecksum(v.GetBool("mkfs.gdt-checksum")),
					ext4.WithFeature64Bit(v.GetBool("mkfs.64bit")),
					ext4.WithFeatureSparseSuper(v.GetBool("mkfs.sparse-super")),
				},
			}
			fs, err := d.CreateFilesystem(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d blocks of %d bytes in %d groups, %d inodes, uuid %s\n",
				args[0], fs.BlocksCount(), fs.BlockSize(), fs.GroupCount(), fs.InodesCount(), fs.UUID())
			return fs.Close()
		},
	}
	flags := cmd.Flags()
	flags.Int64("size", 0, "create a new image file of this many bytes")
	flags.Uint32("block-size", 0, "block size in bytes, 0 to pick by image size")
	flags.Uint32("blocks-per-group", 0, "blocks per group, 0 for 8 times the block size")
	flags.Uint32("inodes-per-group", 0, "inodes per group, 0 to derive from the inode ratio")
	flags.Uint32("inode-size", 0, "inode size in bytes, 0 for 256")
	flags.String("label", "", "volume label")
	flags.Bool("lazy-init", false, "leave groups past the first uninitialized")
	flags.Bool("extents", true, "map file blocks with extent trees")
	flags.Bool("gdt-checksum", true, "checksum group descriptors")
	flags.Bool("64bit", false, "use 64 bit block numbers")
	flags.Bool("sparse-super", true, "keep superblock backups in few groups only")
	for _, name := range []string{"size", "block-size", "blocks-per-group", "inodes-per-group", "inode-size",
		"label", "lazy-init", "extents", "gdt-checksum", "64bit", "sparse-super"} {
		_ = a.v.BindPFlag("mkfs."+name, flags.Lookup(name))
	}
	return cmd
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat IMAGE",
		Short: "Show filesystem geometry and free space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if ts, err := times.Stat(args[0]); err == nil {
				fmt.Fprintf(out, "image:        %s\n", args[0])
				fmt.Fprintf(out, "modified:     %s\n", ts.ModTime().Format(time.RFC3339))
				if ts.HasChangeTime() {
					fmt.Fprintf(out, "changed:      %s\n", ts.ChangeTime().Format(time.RFC3339))
				}
				if ts.HasBirthTime() {
					fmt.Fprintf(out, "created:      %s\n", ts.BirthTime().Format(time.RFC3339))
				}
			}
			return a.withFilesystem(args[0], false, func(fs *ext4.FileSystem) error {
				fmt.Fprintf(out, "label:        %s\n", fs.Label())
				fmt.Fprintf(out, "uuid:         %s\n", fs.UUID())
				fmt.Fprintf(out, "block size:   %d\n", fs.BlockSize())
				fmt.Fprintf(out, "blocks:       %d (%d free)\n", fs.BlocksCount(), fs.FreeBlocksCount())
				fmt.Fprintf(out, "inodes:       %d (%d free)\n", fs.InodesCount(), fs.FreeInodes())
				fmt.Fprintf(out, "groups:       %d\n", fs.GroupCount())
				fmt.Fprintf(out, "mount count:  %d\n", fs.MountCount())
				return nil
			})
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check IMAGE",
		Short: "Verify free counts against bitmaps and descriptor checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFilesystem(args[0], false, func(fs *ext4.FileSystem) error {
				report, err := fs.Check()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, g := range report.Groups {
					fmt.Fprintf(out, "group %d: %d free blocks, %d free inodes\n", g.Index, g.FreeBlocks, g.FreeInodes)
				}
				for _, p := range report.Problems {
					fmt.Fprintln(out, p)
				}
				if !report.OK() {
					return fmt.Errorf("%d problems found", len(report.Problems))
				}
				fmt.Fprintln(out, "clean")
				return nil
			})
		},
	}
}

func (a *app) bmapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bmap IMAGE INODE",
		Short: "List the logical to physical block map of an inode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseInode(args[1])
			if err != nil {
				return err
			}
			return a.withInode(args[0], number, false, func(fs *ext4.FileSystem, ref *ext4.InodeRef) error {
				mappings, err := fs.BlockMap(ref)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "inode %d: size %d, %d sectors\n", number, ref.Size(), ref.BlocksCount())
				for _, m := range mappings {
					fmt.Fprintf(out, "%d\t%d\n", m.Logical, m.Physical)
				}
				return nil
			})
		},
	}
}

func (a *app) appendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append IMAGE INODE",
		Short: "Allocate blocks at the end of an inode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseInode(args[1])
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			return a.withInode(args[0], number, true, func(fs *ext4.FileSystem, ref *ext4.InodeRef) error {
				for i := 0; i < count; i++ {
					fblock, iblock, err := fs.AppendBlock(ref)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d\n", iblock, fblock)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("count", 1, "number of blocks to append")
	return cmd
}

func (a *app) truncateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate IMAGE INODE SIZE",
		Short: "Shrink an inode to SIZE bytes",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			number, err := parseInode(args[1])
			if err != nil {
				return err
			}
			size, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[2], err)
			}
			return a.withInode(args[0], number, true, func(fs *ext4.FileSystem, ref *ext4.InodeRef) error {
				return fs.Truncate(ref, size)
			})
		},
	}
}

func (a *app) allocInodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alloc-inode IMAGE",
		Short: "Allocate a new file or directory inode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			isDir, _ := cmd.Flags().GetBool("dir")
			return a.withFilesystem(args[0], true, func(fs *ext4.FileSystem) error {
				ref, err := fs.AllocInode(isDir)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ref.Number())
				return ref.Release()
			})
		},
	}
	cmd.Flags().Bool("dir", false, "allocate a directory inode")
	return cmd
}

func (a *app) freeInodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free-inode IMAGE INODE",
		Short: "Release an inode and every block it owns",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			number, err := parseInode(args[1])
			if err != nil {
				return err
			}
			return a.withInode(args[0], number, true, func(fs *ext4.FileSystem, ref *ext4.InodeRef) error {
				return fs.FreeInode(ref)
			})
		},
	}
}

func (a *app) exportMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-map IMAGE INODE OUTPUT",
		Short: "Write a compressed snapshot of an inode's block map",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			number, err := parseInode(args[1])
			if err != nil {
				return err
			}
			kind, err := compression.ParseKind(a.v.GetString("compression"))
			if err != nil {
				return err
			}
			c, err := compression.New(kind)
			if err != nil {
				return err
			}
			f, err := os.Create(args[2])
			if err != nil {
				return err
			}
			err = a.withInode(args[0], number, false, func(fs *ext4.FileSystem, ref *ext4.InodeRef) error {
				return fs.ExportBlockMap(ref, f, c)
			})
			return errors.Join(err, f.Close())
		},
	}
	cmd.Flags().String("compression", "zstd", "none, gzip, lzma, xz, lz4 or zstd")
	_ = a.v.BindPFlag("compression", cmd.Flags().Lookup("compression"))
	return cmd
}

func (a *app) restoreMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-map IMAGE INODE INPUT",
		Short: "Claim and map the blocks of a block map snapshot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseInode(args[1])
			if err != nil {
				return err
			}
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			return a.withInode(args[0], number, true, func(fs *ext4.FileSystem, ref *ext4.InodeRef) error {
				n, err := fs.RestoreBlockMap(ref, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %d blocks\n", n)
				return nil
			})
		},
	}
}
