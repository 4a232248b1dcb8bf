package acloud

import (
	"os"
	"path/filepath"
)

// Image name candidates probed inside a --local-kernel-image directory,
// grounded on converter.cpp's _KERNEL_IMAGE_NAMES / _BOOT_IMAGE_NAME tables.
var (
	kernelImageNames    = []string{"kernel", "bzImage", "Image"}
	initramfsImageNames = []string{"initramfs.img"}
	bootImageNames      = []string{"boot.img"}
	vendorBootImageNames = []string{"vendor_boot.img"}
)

func findImage(searchDir string, candidates []string) string {
	for _, name := range candidates {
		path := filepath.Join(searchDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// resolveBootImageArgs implements the --local-kernel-image / --local-boot-image
// probing: a directory is searched for a kernel+initramfs pair first, then
// falls back to boot.img (+ vendor_boot.img); a regular file is treated
// directly as boot.img. A path that stats as neither yields no args, same
// as the original's silent skip.
func resolveBootImageArgs(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.IsDir() {
		kernel := findImage(path, kernelImageNames)
		initramfs := findImage(path, initramfsImageNames)
		if kernel != "" && initramfs != "" {
			return []string{"-kernel_path", kernel, "-initramfs_path", initramfs}
		}
		boot := findImage(path, bootImageNames)
		args := []string{"-boot_image", boot}
		if vendorBoot := findImage(path, vendorBootImageNames); vendorBoot != "" {
			args = append(args, "-vendor_boot_image", vendorBoot)
		}
		return args
	}
	if info.Mode().IsRegular() {
		return []string{"-boot_image", path}
	}
	return nil
}
