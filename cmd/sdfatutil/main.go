// Command sdfatutil mounts a raw FAT32 disk image and exercises the
// fat32 package against it. It exists for hosted bring-up and testing
// against a .img file produced by mkfs.vfat; it is not part of the
// on-target build.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tangram-embedded/sdfat/fat32"
)

func main() {
	app := &cli.App{
		Name:  "sdfatutil",
		Usage: "inspect and populate a FAT32 disk image",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "open a file and print its size",
				ArgsUsage: "IMAGE PATH",
				Action:    cmdLs,
			},
			{
				Name:      "cat",
				Usage:     "print a file's contents to stdout",
				ArgsUsage: "IMAGE PATH",
				Action:    cmdCat,
			},
			{
				Name:      "put",
				Usage:     "create PATH in IMAGE from the contents of SRC",
				ArgsUsage: "IMAGE PATH SRC",
				Action:    cmdPut,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("sdfatutil: %s", err)
	}
}

// fileDevice adapts an os.File to fat32.BlockDevice for hosted use against
// a raw disk image.
type fileDevice struct {
	f *os.File
}

func openImage(path string) (*fileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &fileDevice{f: f}, nil
}

const sectorSize = 512

func (d *fileDevice) ReadBlock(lba uint32, buf *[sectorSize]byte) error {
	_, err := d.f.ReadAt(buf[:], int64(lba)*sectorSize)
	return err
}

func (d *fileDevice) WriteBlock(lba uint32, buf *[sectorSize]byte) error {
	_, err := d.f.WriteAt(buf[:], int64(lba)*sectorSize)
	return err
}

func mount(imagePath string) (*fat32.Volume, *fileDevice, error) {
	dev, err := openImage(imagePath)
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	vol, err := fat32.Mount(dev, fat32.WithLogger(log))
	if err != nil {
		dev.f.Close()
		return nil, nil, err
	}
	return vol, dev, nil
}

func cmdLs(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: ls IMAGE PATH")
	}
	vol, dev, err := mount(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer dev.f.Close()

	f, err := vol.Open(c.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%d bytes\n", c.Args().Get(1), f.Size())
	return vol.Close()
}

func cmdCat(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: cat IMAGE PATH")
	}
	vol, dev, err := mount(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer dev.f.Close()

	f, err := vol.Open(c.Args().Get(1))
	if err != nil {
		return err
	}
	buf := make([]byte, f.Size())
	if _, err := f.Read(buf); err != nil {
		return err
	}
	os.Stdout.Write(buf)
	return vol.Close()
}

func cmdPut(c *cli.Context) error {
	if c.Args().Len() != 3 {
		return fmt.Errorf("usage: put IMAGE PATH SRC")
	}
	vol, dev, err := mount(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer dev.f.Close()

	data, err := os.ReadFile(c.Args().Get(2))
	if err != nil {
		return err
	}

	f, err := vol.Create(c.Args().Get(1))
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return vol.Close()
}
